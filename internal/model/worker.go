package model

import (
	"time"
)

// WorkerStatus worker node status as carried on the status fanout
type WorkerStatus string

const (
	WorkerStatusOnline     WorkerStatus = "online"     // periodic heartbeat, full state snapshot
	WorkerStatusOffline    WorkerStatus = "offline"    // graceful shutdown
	WorkerStatusDownloaded WorkerStatus = "downloaded" // download command finished (ok or error)
	WorkerStatusCustom     WorkerStatus = "custom"     // custom model registration finished (ok or error)
)

// WorkerInfo is the coordinator's view of one worker.
// Model sets are self-reported snapshots; loaded ⊆ cached is not enforced.
type WorkerInfo struct {
	ID           string    `json:"id"`
	CachedModels []string  `json:"cached_models"`
	LoadedModels []string  `json:"loaded_models"`
	LastSeen     time.Time `json:"last_seen"`
}

// ControlAction worker lifecycle command verb
type ControlAction string

const (
	ControlActionDownload ControlAction = "download"
	ControlActionUnload   ControlAction = "unload"
	ControlActionDelete   ControlAction = "delete"
	ControlActionCustom   ControlAction = "custom"
)
