package mcp

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/sshkit/internal/client"
)

func (s *Server) registerFileTransferTools() {
	s.mcpServer.AddTool(sftpUploadTool(), s.handleSFTPUpload)
	s.mcpServer.AddTool(sftpDownloadTool(), s.handleSFTPDownload)
	s.mcpServer.AddTool(sftpListTool(), s.handleSFTPList)
	s.mcpServer.AddTool(sftpStatTool(), s.handleSFTPStat)
	s.mcpServer.AddTool(sftpMkdirTool(), s.handleSFTPMkdir)
	s.mcpServer.AddTool(sftpRemoveTool(), s.handleSFTPRemove)
	s.mcpServer.AddTool(sftpRenameTool(), s.handleSFTPRename)
	s.mcpServer.AddTool(sftpChmodTool(), s.handleSFTPChmod)
	s.mcpServer.AddTool(sftpCancelTool(), s.handleSFTPCancel)
}

func transferTool(name, description, fromDesc, toDesc string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("source",
			mcp.Required(),
			mcp.Description(fromDesc),
		),
		mcp.WithString("destination",
			mcp.Required(),
			mcp.Description(toDesc),
		),
		mcp.WithBoolean("recursive",
			mcp.Description("Copy a directory tree (default: false)"),
		),
		mcp.WithString("pattern",
			mcp.Description("Recursive only: copy files whose relative path matches this glob, such as '**/*.go'"),
		),
		mcp.WithArray("exclude",
			mcp.Description("Recursive only: names or relative paths to skip; replaces the configured exclusions"),
			mcp.WithStringItems(),
		),
	)
}

func sftpUploadTool() mcp.Tool {
	return transferTool("sftp_upload",
		`Copy a local file or directory to the remote host over SFTP.

Progress is published as upload-progress events. An existing remote file
is replaced.`,
		descLocalPath, descRemotePath)
}

func sftpDownloadTool() mcp.Tool {
	return transferTool("sftp_download",
		`Copy a remote file or directory to this machine over SFTP.

Progress is published as download-progress events. An existing local file
is replaced.`,
		descRemotePath, descLocalPath)
}

func remotePathTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description(descRemotePath),
		),
	)
}

func sftpListTool() mcp.Tool {
	return remotePathTool("sftp_list", "List a remote directory, sorted by name")
}

func sftpStatTool() mcp.Tool {
	return remotePathTool("sftp_stat", "Return the size, permissions, type and modification time of a remote path")
}

func sftpRemoveTool() mcp.Tool {
	return remotePathTool("sftp_remove", "Remove a remote file or empty directory")
}

func sftpMkdirTool() mcp.Tool {
	return mcp.NewTool("sftp_mkdir",
		mcp.WithDescription("Create a remote directory"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description(descRemotePath),
		),
		mcp.WithBoolean("parents",
			mcp.Description("Create missing parent directories (default: false)"),
		),
	)
}

func sftpRenameTool() mcp.Tool {
	return mcp.NewTool("sftp_rename",
		mcp.WithDescription("Rename or move a remote path"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("from",
			mcp.Required(),
			mcp.Description("Current remote path"),
		),
		mcp.WithString("to",
			mcp.Required(),
			mcp.Description("New remote path"),
		),
	)
}

func sftpChmodTool() mcp.Tool {
	return mcp.NewTool("sftp_chmod",
		mcp.WithDescription("Set the permission bits of a remote path"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description(descRemotePath),
		),
		mcp.WithString("mode",
			mcp.Required(),
			mcp.Description("Octal permission bits, such as '0644'"),
		),
	)
}

func sftpCancelTool() mcp.Tool {
	return mcp.NewTool("sftp_cancel",
		mcp.WithDescription("Cancel running uploads or downloads of a session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("direction",
			mcp.Description("Which transfers to cancel"),
			mcp.Enum("upload", "download", "both"),
			mcp.DefaultString("both"),
		),
	)
}

type transferParams struct {
	source, destination string
	recursive           bool
	dir                 client.DirOptions
}

func parseTransfer(req mcp.CallToolRequest) (transferParams, *mcp.CallToolResult) {
	p := transferParams{
		source:      mcp.ParseString(req, "source", ""),
		destination: mcp.ParseString(req, "destination", ""),
		recursive:   mcp.ParseBoolean(req, "recursive", false),
		dir: client.DirOptions{
			Pattern: mcp.ParseString(req, "pattern", ""),
		},
	}
	if p.source == "" || p.destination == "" {
		return p, mcp.NewToolResultError("source and destination are required")
	}
	if raw, ok := req.GetArguments()["exclude"].([]any); ok {
		p.dir.Exclusions = make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				p.dir.Exclusions = append(p.dir.Exclusions, s)
			}
		}
	}
	return p, nil
}

func (s *Server) handleSFTPUpload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	p, errResult := parseTransfer(req)
	if errResult != nil {
		return errResult, nil
	}

	slog.Info("upload",
		slog.String("session", c.Key()),
		slog.String("local", p.source),
		slog.String("remote", p.destination),
		slog.Bool("recursive", p.recursive),
	)

	if p.recursive {
		res, err := c.UploadDir(ctx, p.source, p.destination, p.dir)
		if err != nil {
			return errorResult(err), nil
		}
		return dirResult(res, p)
	}

	if err := c.SFTPUpload(ctx, p.source, p.destination); err != nil {
		return errorResult(err), nil
	}
	fi, err := c.Stat(ctx, p.destination)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"status":      "uploaded",
		"source":      p.source,
		"destination": p.destination,
		"bytes":       fi.FileSize,
	})
}

func (s *Server) handleSFTPDownload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	p, errResult := parseTransfer(req)
	if errResult != nil {
		return errResult, nil
	}

	slog.Info("download",
		slog.String("session", c.Key()),
		slog.String("remote", p.source),
		slog.String("local", p.destination),
		slog.Bool("recursive", p.recursive),
	)

	if p.recursive {
		res, err := c.DownloadDir(ctx, p.source, p.destination, p.dir)
		if err != nil {
			return errorResult(err), nil
		}
		return dirResult(res, p)
	}

	if err := c.SFTPDownload(ctx, p.source, p.destination); err != nil {
		return errorResult(err), nil
	}
	fi, err := s.fs.Stat(p.destination)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"status":      "downloaded",
		"source":      p.source,
		"destination": p.destination,
		"bytes":       fi.Size(),
	})
}

func dirResult(res *client.DirResult, p transferParams) (*mcp.CallToolResult, error) {
	status := "completed"
	if len(res.Errors) > 0 {
		status = "completed_with_errors"
	}
	return jsonResult(map[string]any{
		"status":      status,
		"source":      p.source,
		"destination": p.destination,
		"result":      res,
	})
}

func (s *Server) remotePath(req mcp.CallToolRequest) (*client.Client, string, *mcp.CallToolResult) {
	c, errResult := s.session(req)
	if errResult != nil {
		return nil, "", errResult
	}
	path := mcp.ParseString(req, "path", "")
	if path == "" {
		return nil, "", mcp.NewToolResultError(errPathRequired)
	}
	return c, path, nil
}

func (s *Server) handleSFTPList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, path, errResult := s.remotePath(req)
	if errResult != nil {
		return errResult, nil
	}
	entries, err := c.ListDetailed(ctx, path)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"path":    path,
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleSFTPStat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, path, errResult := s.remotePath(req)
	if errResult != nil {
		return errResult, nil
	}
	fi, err := c.Stat(ctx, path)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"path": path,
		"info": fi,
		"mode": os.FileMode(fi.Permissions).String(),
	})
}

func (s *Server) handleSFTPMkdir(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, path, errResult := s.remotePath(req)
	if errResult != nil {
		return errResult, nil
	}
	if err := c.Mkdir(ctx, path, mcp.ParseBoolean(req, "parents", false)); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"status": "created", "path": path})
}

func (s *Server) handleSFTPRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, path, errResult := s.remotePath(req)
	if errResult != nil {
		return errResult, nil
	}
	if err := c.Remove(ctx, path); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"status": "removed", "path": path})
}

func (s *Server) handleSFTPRename(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	from := mcp.ParseString(req, "from", "")
	to := mcp.ParseString(req, "to", "")
	if from == "" || to == "" {
		return mcp.NewToolResultError("from and to are required"), nil
	}
	if err := c.Rename(ctx, from, to); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"status": "renamed", "from": from, "to": to})
}

func (s *Server) handleSFTPChmod(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, path, errResult := s.remotePath(req)
	if errResult != nil {
		return errResult, nil
	}
	mode, err := strconv.ParseUint(mcp.ParseString(req, "mode", ""), 8, 32)
	if err != nil || mode > 0o777 {
		return mcp.NewToolResultError("mode must be octal permission bits, such as 0644"), nil
	}
	if err := c.Chmod(ctx, path, os.FileMode(mode)); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{
		"status": "changed",
		"path":   path,
		"mode":   os.FileMode(mode).String(),
	})
}

func (s *Server) handleSFTPCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	result := map[string]any{}
	switch mcp.ParseString(req, "direction", "both") {
	case "upload":
		result["uploads"] = c.CancelUpload()
	case "download":
		result["downloads"] = c.CancelDownload()
	case "both":
		result["uploads"] = c.CancelUpload()
		result["downloads"] = c.CancelDownload()
	default:
		return mcp.NewToolResultError("direction must be upload, download or both"), nil
	}
	return jsonResult(result)
}
