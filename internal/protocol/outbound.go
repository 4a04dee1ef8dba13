package protocol

import "encoding/json"

// The New* constructors below let other packages (internal/session,
// internal/events, internal/upload) build outbound commands without
// reaching into the unexported baseCommand field directly.

// NewRegister builds the first outbound frame opening a session.
func NewRegister(msgID int64, token string) RegisterCmd {
	return RegisterCmd{baseCommand{Header{Cmd: "register", MsgID: msgID}}, token}
}

// NewCamRegister builds the frame registering a specific camera after hello.
func NewCamRegister(msgID int64, ca string) CamRegisterCmd {
	return CamRegisterCmd{baseCommand{Header{Cmd: "cam_register", MsgID: msgID}}, ca}
}

// NewCamEvent builds a device-event report, optionally embedding its
// payload and tying it to an in-progress stream.
func NewCamEvent(msgID int64, camID, category, mediaType, fileTime string, durationUs, size int64, streamID string, payload json.RawMessage) CamEventCmd {
	return CamEventCmd{
		baseCommand: baseCommand{Header{Cmd: "cam_event", MsgID: msgID, CamID: camID}},
		Category:    category,
		MediaType:   mediaType,
		FileTime:    fileTime,
		DurationUs:  durationUs,
		Size:        size,
		StreamID:    streamID,
		Payload:     payload,
	}
}

// NewGetDirectUploadURL requests an upload target for one media chunk.
func NewGetDirectUploadURL(msgID int64, camID, category, mediaType, fileTime string, durationUs, size int64, streamID string) GetDirectUploadURLCmd {
	return GetDirectUploadURLCmd{
		baseCommand: baseCommand{Header{Cmd: "get_direct_upload_url", MsgID: msgID, CamID: camID}},
		Category:    category,
		MediaType:   mediaType,
		FileTime:    fileTime,
		DurationUs:  durationUs,
		Size:        size,
		StreamID:    streamID,
	}
}

// NewCamMemorycardSynchronizeStatus reports sync progress for ticket.
func NewCamMemorycardSynchronizeStatus(msgID int64, camID, ticket string, progress int, status string) CamMemorycardSynchronizeStatusCmd {
	return CamMemorycardSynchronizeStatusCmd{
		baseCommand: baseCommand{Header{Cmd: "cam_memorycard_synchronize_status", MsgID: msgID, CamID: camID}},
		Ticket:      ticket,
		Progress:    progress,
		Status:      status,
	}
}

// NewCamMemorycardTimeline reports the locally-known recording timeline for
// a requested range as an outbound frame (spec.md §4.6, device → cloud
// answer to cam_memorycard_timeline).
func NewCamMemorycardTimeline(msgID int64, camID, begin, end string) CamMemorycardTimelineCmd {
	return CamMemorycardTimelineCmd{
		baseCommand: baseCommand{Header{Cmd: "cam_memorycard_timeline", MsgID: msgID, CamID: camID}},
		Begin:       begin,
		End:         end,
	}
}

// NewSetEvents reports the device's composed event configuration.
func NewSetEvents(msgID int64, camID string, events []EventFlags) SetEventsCmd {
	return SetEventsCmd{
		baseCommand: baseCommand{Header{Cmd: "set_events", MsgID: msgID, CamID: camID}},
		Events:      events,
	}
}

// NewHello builds the server's reply to register. It is exposed alongside
// the device-outbound constructors so test doubles standing in for the
// cloud side of the control channel can build a well-formed envelope
// without reaching into unexported fields.
func NewHello(msgID int64, ca, connID string) HelloCmd {
	return HelloCmd{baseCommand{Header{Cmd: "hello", MsgID: msgID}}, ca, "", "", "", connID}
}

// NewCamHello builds the server's reply to cam_register.
func NewCamHello(msgID int64, camID, mediaURI, path string) CamHelloCmd {
	return CamHelloCmd{baseCommand{Header{Cmd: "cam_hello", MsgID: msgID, CamID: camID}}, mediaURI, path}
}

// NewBye builds a session-close notification.
func NewBye(msgID int64, reason ByeReason, retryMs int64, server string) ByeCmd {
	return ByeCmd{baseCommand{Header{Cmd: "bye", MsgID: msgID}}, reason, retryMs, server}
}

// NewDirectUploadURL builds a reply to a get_direct_upload_url request,
// correlating via orig's msgid. It exists mainly for tests standing in for
// the cloud side of the control channel; the agent itself only parses this
// command, it never constructs one.
func NewDirectUploadURL(orig Command, newMsgID int64, status Status, url string, headers map[string]string, extra []DirectUploadURLExtra) DirectUploadURLCmd {
	return DirectUploadURLCmd{
		baseCommand: baseCommand{Reply(orig, newMsgID, "direct_upload_url")},
		StatusField: status,
		URL:         url,
		Headers:     headers,
		Extra:       extra,
	}
}

// NewStreamStop requests the cloud-visible stop of a stream the device
// itself is abandoning (e.g. a source error), mirroring the cloud's own
// stream_stop shape so both directions share a wire format.
func NewStreamStop(msgID int64, camID, streamID string) StreamStopCmd {
	return StreamStopCmd{
		baseCommand: baseCommand{Header{Cmd: "stream_stop", MsgID: msgID, CamID: camID}},
		StreamID:    streamID,
	}
}
