// Command heliosd runs the IPC core daemon: the stream registry, process
// substrate, and portal machinery, with an HTTP introspection surface.
package main
