package system

// Process exit codes. A supervising script (or the relaunch helper spawned by
// a RESTART command) treats ExitCodeRelaunch as "start me again"; anything
// else is a terminal exit.
const (
	ExitCodeOK       = 0
	ExitCodeFailure  = 1
	ExitCodeRelaunch = 42
)
