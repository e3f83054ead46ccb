package types

// ---- Service state (retained) ----

type ServiceState struct {
	Level  string `json:"level"`  // e.g. "idle", "ready", "stopped"
	Status string `json:"status"` // freeform short code
	Error  string `json:"error,omitempty"`
	TS     int64  `json:"ts_ms"`
}

// ---- Device state (retained, iocontrol/device/<id>/state) ----

type NodeState struct {
	Node  int    `json:"node"`
	State string `json:"state"`
	Value int    `json:"value,omitempty"`
}

type DeviceState struct {
	Device     string      `json:"device"`
	Class      string      `json:"class"`
	Controller string      `json:"controller"`
	Status     string      `json:"status"` // stopped | starting | fault | normal
	State      string      `json:"state"`  // aggregate node state
	Nodes      []NodeState `json:"nodes,omitempty"`
	TS         int64       `json:"ts_ms"`
}

// ---- Request progress (iocontrol/event/<device>) ----

type RequestEvent struct {
	Phase   string `json:"phase"` // execute | complete
	Device  string `json:"device"`
	Command string `json:"command"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts_ms"`
}

// ---- Replies ----

type RequestResult struct {
	ID      string `json:"id,omitempty"`
	Device  string `json:"device"`
	Command string `json:"command"`
	Nodes   []int  `json:"nodes,omitempty"`
	Value   int    `json:"value,omitempty"`
	State   string `json:"state,omitempty"`
	Error   string `json:"error"`
	Data    []byte `json:"data,omitempty"`
}

type Reply struct {
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Results []RequestResult `json:"results,omitempty"`
}

type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ---- Liveness (retained, heartbeat) ----

type Heartbeat struct {
	Seq      uint64 `json:"seq"`
	UptimeMs int64  `json:"uptime_ms"`
	TS       int64  `json:"ts_ms"`
}
