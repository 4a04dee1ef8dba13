package protocol

import "encoding/json"

// RegisterCmd is the first outbound frame opening a session.
type RegisterCmd struct {
	baseCommand
	Token string `json:"token"`
}

func (c RegisterCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		Token string `json:"token"`
	}
	return json.Marshal(wire{Header: c.Hdr, Token: c.Token})
}

// HelloCmd is the server's reply to register, carrying session identity.
type HelloCmd struct {
	baseCommand
	CA         string `json:"ca"`
	SID        string `json:"sid"`
	UploadURL  string `json:"upload_url"`
	MediaSrv   string `json:"media_server"`
	ConnID     string `json:"connid"`
}

func (c HelloCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		CA        string `json:"ca"`
		SID       string `json:"sid"`
		UploadURL string `json:"upload_url"`
		MediaSrv  string `json:"media_server"`
		ConnID    string `json:"connid"`
	}
	return json.Marshal(wire{c.Hdr, c.CA, c.SID, c.UploadURL, c.MediaSrv, c.ConnID})
}

// CamRegisterCmd follows hello, registering the specific camera.
type CamRegisterCmd struct {
	baseCommand
	CA string `json:"ca"`
}

func (c CamRegisterCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		CA string `json:"ca"`
	}
	return json.Marshal(wire{Header: c.Hdr, CA: c.CA})
}

// CamHelloCmd is the server's reply finalizing session readiness.
type CamHelloCmd struct {
	baseCommand
	MediaURI string `json:"media_uri"`
	Path     string `json:"path"`
}

func (c CamHelloCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		MediaURI string `json:"media_uri"`
		Path     string `json:"path"`
	}
	return json.Marshal(wire{c.Hdr, c.MediaURI, c.Path})
}

// ByeReason enumerates why a session was closed by the server.
type ByeReason string

const (
	ByeReconnect    ByeReason = "reconnect"
	ByeConnClose    ByeReason = "conn_close"
	ByeAuthFailure  ByeReason = "auth_failure"
	ByeInvalid      ByeReason = "invalid"
)

// ByeCmd signals the server is closing the session.
type ByeCmd struct {
	baseCommand
	Reason  ByeReason `json:"reason"`
	RetryMs int64     `json:"retry"`
	Server  string    `json:"reconnect_server_address,omitempty"`
}

func (c ByeCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		Reason  ByeReason `json:"reason"`
		RetryMs int64     `json:"retry"`
		Server  string    `json:"reconnect_server_address,omitempty"`
	}
	return json.Marshal(wire{c.Hdr, c.Reason, c.RetryMs, c.Server})
}

// ConfigureCmd carries a config-page push from the cloud.
type ConfigureCmd struct {
	baseCommand
	Page   string          `json:"page"`
	Values json.RawMessage `json:"values"`
}

func (c ConfigureCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		Page   string          `json:"page"`
		Values json.RawMessage `json:"values"`
	}
	return json.Marshal(wire{c.Hdr, c.Page, c.Values})
}

// StreamReason enumerates why the cloud requested a stream.
type StreamReason string

const (
	StreamLive           StreamReason = "live"
	StreamRecord         StreamReason = "record"
	StreamRecordByEvent  StreamReason = "record_by_event"
	StreamServerByEvent  StreamReason = "server_by_event"
)

// StreamStartCmd requests a media stream be published.
type StreamStartCmd struct {
	baseCommand
	StreamID string       `json:"stream_id"`
	Reason   StreamReason `json:"reason"`
}

func (c StreamStartCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		StreamID string       `json:"stream_id"`
		Reason   StreamReason `json:"reason"`
	}
	return json.Marshal(wire{c.Hdr, c.StreamID, c.Reason})
}

// StreamStopCmd requests a media stream stop.
type StreamStopCmd struct {
	baseCommand
	StreamID string `json:"stream_id"`
}

func (c StreamStopCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		StreamID string `json:"stream_id"`
	}
	return json.Marshal(wire{c.Hdr, c.StreamID})
}

// CamEventCmd reports a device event, optionally embedding its payload.
type CamEventCmd struct {
	baseCommand
	Category   string          `json:"category"`
	MediaType  string          `json:"media_type"`
	FileTime   string          `json:"file_time"`
	DurationUs int64           `json:"duration_us"`
	Size       int64           `json:"size"`
	StreamID   string          `json:"stream_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (c CamEventCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		Category   string          `json:"category"`
		MediaType  string          `json:"media_type"`
		FileTime   string          `json:"file_time"`
		DurationUs int64           `json:"duration_us"`
		Size       int64           `json:"size"`
		StreamID   string          `json:"stream_id,omitempty"`
		Payload    json.RawMessage `json:"payload,omitempty"`
	}
	return json.Marshal(wire{c.Hdr, c.Category, c.MediaType, c.FileTime, c.DurationUs, c.Size, c.StreamID, c.Payload})
}

// GetDirectUploadURLCmd requests a cloud-issued upload URL for one chunk.
type GetDirectUploadURLCmd struct {
	baseCommand
	Category   string `json:"category"`
	MediaType  string `json:"media_type"`
	FileTime   string `json:"file_time"`
	DurationUs int64  `json:"duration_us"`
	Size       int64  `json:"size"`
	StreamID   string `json:"stream_id,omitempty"`
}

func (c GetDirectUploadURLCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		Category   string `json:"category"`
		MediaType  string `json:"media_type"`
		FileTime   string `json:"file_time"`
		DurationUs int64  `json:"duration_us"`
		Size       int64  `json:"size"`
		StreamID   string `json:"stream_id,omitempty"`
	}
	return json.Marshal(wire{c.Hdr, c.Category, c.MediaType, c.FileTime, c.DurationUs, c.Size, c.StreamID})
}

// DirectUploadURLExtra carries one additional payload's upload target for
// multi-payload cam_event requests, keyed by category.
type DirectUploadURLExtra struct {
	Category string            `json:"category"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers"`
}

// DirectUploadURLCmd is the server's answer to GetDirectUploadURLCmd.
type DirectUploadURLCmd struct {
	baseCommand
	StatusField Status                  `json:"status"`
	URL         string                  `json:"url"`
	Headers     map[string]string       `json:"headers"`
	Extra       []DirectUploadURLExtra  `json:"extra,omitempty"`
}

func (c DirectUploadURLCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		Status  Status                 `json:"status"`
		URL     string                 `json:"url"`
		Headers map[string]string      `json:"headers"`
		Extra   []DirectUploadURLExtra `json:"extra,omitempty"`
	}
	return json.Marshal(wire{c.Hdr, c.StatusField, c.URL, c.Headers, c.Extra})
}

// CamMemorycardSynchronizeCmd requests the agent synchronize a time range.
type CamMemorycardSynchronizeCmd struct {
	baseCommand
	Begin  string `json:"begin"`
	End    string `json:"end,omitempty"`
	Ticket string `json:"ticket,omitempty"`
	DelayS int64  `json:"delay,omitempty"`
}

func (c CamMemorycardSynchronizeCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		Begin  string `json:"begin"`
		End    string `json:"end,omitempty"`
		Ticket string `json:"ticket,omitempty"`
		DelayS int64  `json:"delay,omitempty"`
	}
	return json.Marshal(wire{c.Hdr, c.Begin, c.End, c.Ticket, c.DelayS})
}

// CamMemorycardSynchronizeStatusCmd reports sync progress.
type CamMemorycardSynchronizeStatusCmd struct {
	baseCommand
	Ticket   string `json:"ticket"`
	Progress int    `json:"progress"`
	Status   string `json:"status"`
}

func (c CamMemorycardSynchronizeStatusCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		Ticket   string `json:"ticket"`
		Progress int    `json:"progress"`
		Status   string `json:"status"`
	}
	return json.Marshal(wire{c.Hdr, c.Ticket, c.Progress, c.Status})
}

// CamMemorycardSynchronizeCancelCmd cancels an in-flight sync by ticket.
type CamMemorycardSynchronizeCancelCmd struct {
	baseCommand
	Ticket string `json:"ticket"`
}

func (c CamMemorycardSynchronizeCancelCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		Ticket string `json:"ticket"`
	}
	return json.Marshal(wire{c.Hdr, c.Ticket})
}

// CamMemorycardTimelineCmd requests the locally-known recording timeline.
type CamMemorycardTimelineCmd struct {
	baseCommand
	Begin string `json:"begin"`
	End   string `json:"end"`
}

func (c CamMemorycardTimelineCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		Begin string `json:"begin"`
		End   string `json:"end"`
	}
	return json.Marshal(wire{c.Hdr, c.Begin, c.End})
}

// GetEventsCmd / SetEventsCmd carry event configuration.
type GetEventsCmd struct{ baseCommand }

func (c GetEventsCmd) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Hdr)
}

type EventFlags struct {
	Name     string `json:"name"`
	Active   bool   `json:"active"`
	Stream   bool   `json:"stream"`
	Snapshot bool   `json:"snapshot"`
	PeriodS  int    `json:"period,omitempty"`
}

type SetEventsCmd struct {
	baseCommand
	Events []EventFlags `json:"events"`
}

func (c SetEventsCmd) MarshalJSON() ([]byte, error) {
	type wire struct {
		Header
		Events []EventFlags `json:"events"`
	}
	return json.Marshal(wire{c.Hdr, c.Events})
}

func init() {
	register("register", func(h Header, raw json.RawMessage) (Command, error) {
		var w struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return RegisterCmd{baseCommand{h}, w.Token}, nil
	})
	register("hello", func(h Header, raw json.RawMessage) (Command, error) {
		var w HelloCmd
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		w.Hdr = h
		return w, nil
	})
	register("cam_register", func(h Header, raw json.RawMessage) (Command, error) {
		var w struct {
			CA string `json:"ca"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return CamRegisterCmd{baseCommand{h}, w.CA}, nil
	})
	register("cam_hello", func(h Header, raw json.RawMessage) (Command, error) {
		var w CamHelloCmd
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		w.Hdr = h
		return w, nil
	})
	register("bye", func(h Header, raw json.RawMessage) (Command, error) {
		var w ByeCmd
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		w.Hdr = h
		return w, nil
	})
	register("configure", func(h Header, raw json.RawMessage) (Command, error) {
		var w ConfigureCmd
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		w.Hdr = h
		return w, nil
	})
	register("stream_start", func(h Header, raw json.RawMessage) (Command, error) {
		var w StreamStartCmd
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		w.Hdr = h
		return w, nil
	})
	register("stream_stop", func(h Header, raw json.RawMessage) (Command, error) {
		var w StreamStopCmd
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		w.Hdr = h
		return w, nil
	})
	register("cam_event", func(h Header, raw json.RawMessage) (Command, error) {
		var w CamEventCmd
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		w.Hdr = h
		return w, nil
	})
	register("get_direct_upload_url", func(h Header, raw json.RawMessage) (Command, error) {
		var w GetDirectUploadURLCmd
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		w.Hdr = h
		return w, nil
	})
	register("direct_upload_url", func(h Header, raw json.RawMessage) (Command, error) {
		var w struct {
			Status  Status                 `json:"status"`
			URL     string                 `json:"url"`
			Headers map[string]string      `json:"headers"`
			Extra   []DirectUploadURLExtra `json:"extra,omitempty"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return DirectUploadURLCmd{baseCommand{h}, w.Status, w.URL, w.Headers, w.Extra}, nil
	})
	register("cam_memorycard_synchronize", func(h Header, raw json.RawMessage) (Command, error) {
		var w CamMemorycardSynchronizeCmd
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		w.Hdr = h
		return w, nil
	})
	register("cam_memorycard_synchronize_status", func(h Header, raw json.RawMessage) (Command, error) {
		var w CamMemorycardSynchronizeStatusCmd
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		w.Hdr = h
		return w, nil
	})
	register("cam_memorycard_synchronize_cancel", func(h Header, raw json.RawMessage) (Command, error) {
		var w CamMemorycardSynchronizeCancelCmd
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		w.Hdr = h
		return w, nil
	})
	register("cam_memorycard_timeline", func(h Header, raw json.RawMessage) (Command, error) {
		var w CamMemorycardTimelineCmd
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		w.Hdr = h
		return w, nil
	})
	register("get_events", func(h Header, raw json.RawMessage) (Command, error) {
		return GetEventsCmd{baseCommand{h}}, nil
	})
	register("set_events", func(h Header, raw json.RawMessage) (Command, error) {
		var w SetEventsCmd
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		w.Hdr = h
		return w, nil
	})
}
