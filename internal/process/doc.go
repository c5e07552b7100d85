// Package process provides the process substrate the IPC core hangs off:
// PID allocation, the standard stream every process is born with, portal
// attachment, and termination cleanup.
//
// A process here is a bookkeeping entity, not an OS process: it owns stream
// handles and portals, and terminating it revokes everything it owns so
// peers observe closure instead of silence. Standard streams are created
// kernel-side and the consumer half is adopted across, exercising the same
// transfer path user code uses.
package process
