package mcp

import "time"

// Common error messages and descriptions used across MCP tools.
const (
	// Tool parameter descriptions
	descSessionID  = "The session ID returned by ssh_connect"
	descRemotePath = "Path on the remote host"
	descLocalPath  = "Path on this machine"

	// Common error messages
	errSessionIDRequired = "session_id is required"
	errPathRequired      = "path is required"
)

const (
	defaultExecTimeout = 30 * time.Second
	maxShellReadWait   = 10 * time.Second
	defaultPtyType     = "xterm"
)
