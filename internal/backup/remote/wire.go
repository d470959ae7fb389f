package remote

import "time"

// API routes served by the backup store.
const (
	RoutePing              = "/api/Utils/ping"
	RouteDirectory         = "/api/Directory"
	RouteDirectoryChildren = "/api/Directory/withFiles"
	RouteDirectoryAdd      = "/api/Directory/add"
	RouteDirectoryUpdate   = "/api/Directory/update"
	RouteDirectoryDelete   = "/api/Directory/delete"
	RouteFile              = "/api/File"
	RouteFileUpload        = "/api/File/upload"
	RouteFileUpdate        = "/api/File/update"
	RouteFileDeleteMany    = "/api/File/deleteMany"
)

// Multipart field names used by RouteFileUpload.
const (
	FieldFileRecord = "backedUpFile"
	FieldPath       = "path"
	FieldOldPath    = "oldPath"
	FieldContent    = "file"
)

// DirectoryQuery selects a directory either by Path or by (Name, ParentID).
type DirectoryQuery struct {
	ParentID *int64 `json:"parentId,omitempty"`
	Name     string `json:"name,omitempty"`
	Path     string `json:"path,omitempty"`
}

// DirectoryAdd is the body of RouteDirectoryAdd.
type DirectoryAdd struct {
	Name     string `json:"name"`
	ParentID *int64 `json:"parentId,omitempty"`
}

// DirectoryUpdate is the body of RouteDirectoryUpdate.
type DirectoryUpdate struct {
	ID       int64     `json:"id"`
	Modified time.Time `json:"modified"`
}

// DirectoryDelete is the body of RouteDirectoryDelete.
type DirectoryDelete struct {
	ID int64 `json:"id"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
}
