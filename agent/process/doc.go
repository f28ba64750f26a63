/*
Package process supervises the OS processes started for launchers.

Each launcher index has at most one session: the process, its stdin pipe, and a buffer of
combined stdout and stderr. A session is created by Start and removed by Reap, which the
caller invokes after Poll has reported the exit and the caller has consumed the final state.
Nothing in this package waits for a process to exit: Poll and ReadAvailableOutput never
block, and Terminate and Kill only send signals.

Processes run in their own process group so that signals reach everything the launched
command spawned, not just the shell or wrapper that was started.
*/
package process
