package network

import "picsend/models"

// HTTP API surface shared by client and server.
const (
	apiInfoPath          = "/api/v1/info"
	apiPrepareUploadPath = "/api/v1/prepare-upload"
	apiUploadPath        = "/api/v1/upload"

	queryParamSession = "sessionId"
	queryParamFile    = "fileId"
	queryParamToken   = "token"
)

// prepareUploadRequest announces a batch of files the sender wants to push.
// Files are keyed by the sender-chosen file ID.
type prepareUploadRequest struct {
	Info  models.DeviceInfo          `json:"info"`
	Files map[string]models.FileMeta `json:"files"`
}

// prepareUploadResponse accepts the batch and hands back one upload token per
// file ID.
type prepareUploadResponse struct {
	SessionID string            `json:"session_id"`
	Files     map[string]string `json:"files"`
}

type errorResponse struct {
	Message string `json:"message"`
}
