package events

import "time"

// BuildStarted is emitted when a unit transitions into the building set.
//
// This is an orchestration event used for journaling and metrics. It is not
// part of the client wire protocol.
type BuildStarted struct {
	BuildID   string
	UnitKey   string
	Requestor string
	Forced    bool
	StartedAt time.Time
}

// BuildCompleted is emitted when a unit's materialization finishes and the
// unit moves to the ready set.
type BuildCompleted struct {
	BuildID     string
	UnitKey     string
	Duration    time.Duration
	CompletedAt time.Time
}

// BuildFailed is emitted when materialization aborts with blocking issues.
type BuildFailed struct {
	BuildID  string
	UnitKey  string
	Blocking int
	FailedAt time.Time
}

// IssuesUpdated is emitted whenever a unit's diagnostic bucket is replaced.
type IssuesUpdated struct {
	UnitKey   string
	Errors    int
	Warnings  int
	UpdatedAt time.Time
}

// EntrypointsApplied is emitted after a directory snapshot has been applied
// and stale subscriptions pruned.
type EntrypointsApplied struct {
	Routes          int
	Pruned          int
	Middleware      bool
	Instrumentation bool
	AppliedAt       time.Time
}

// ClientConnected is emitted when a live-update client attaches.
type ClientConnected struct {
	ClientID    string
	ConnectedAt time.Time
}

// ClientDisconnected is emitted when a live-update client detaches, including
// forced disconnects after protocol violations or stale subscriptions.
type ClientDisconnected struct {
	ClientID       string
	Reason         string
	DisconnectedAt time.Time
}

// UpdateTiming carries the engine's aggregated update duration reports.
type UpdateTiming struct {
	Duration   time.Duration
	ReportedAt time.Time
}
