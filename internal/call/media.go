package call

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"

	"nhooyr.io/websocket"

	"call-me/internal/tunnel"
)

// inboundFrame is the provider's wire format on the media socket.
type inboundFrame struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Start     struct {
		StreamSid string `json:"streamSid"`
		CallSid   string `json:"callSid"`
	} `json:"start"`
	Media struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media"`
}

// HandleMediaStream is the websocket upgrade handler for the provider's
// media connection. The upgrade is authenticated by the call's one-time
// token; the handler blocks until the stream ends.
func (co *Core) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	c := co.resolveMediaCall(r)
	if c == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // providers connect from arbitrary origins
	})
	if err != nil {
		co.logger.Error("media websocket accept failed", "call_id", c.ID, "error", err)
		return
	}

	if !c.AttachMedia(conn) {
		co.logger.Warn("rejecting duplicate media socket", "call_id", c.ID)
		conn.Close(websocket.StatusPolicyViolation, "already attached")
		return
	}
	co.logger.Info("media socket attached", "call_id", c.ID)

	co.mediaReadLoop(r, c, conn)
}

// resolveMediaCall authenticates the upgrade request to a call. The token is
// single-use; consuming it tears down the wsToken index entry.
func (co *Core) resolveMediaCall(r *http.Request) *Call {
	token := r.URL.Query().Get("token")
	if token != "" {
		if c, err := co.registry.ConsumeToken(token); err == nil {
			return c
		}
	}

	// Free-tier tunnels can mangle query strings through redirects. The
	// fallback pairs the socket with the most recent active call, which is
	// unsafe with concurrent calls and therefore off by default.
	if co.cfg.AllowTokenlessAttach && tunnel.IsEphemeralHost(co.publicHost()) {
		if c := co.registry.MostRecentActive(); c != nil {
			co.logger.Warn("tokenless media attach on ephemeral tunnel", "call_id", c.ID)
			return c
		}
	}
	return nil
}

// publicHost returns the hostname of the current public URL.
func (co *Core) publicHost() string {
	u, err := url.Parse(co.publicURL())
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// mediaReadLoop demultiplexes inbound frames: JSON control frames carry
// start/stop/media events; anything else is dropped because the track cannot
// be determined and forwarding it would feed our own audio back into STT.
func (co *Core) mediaReadLoop(r *http.Request, c *Call, conn *websocket.Conn) {
	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Socket close is a hangup signal regardless of cause.
			co.logger.Debug("media socket closed", "call_id", c.ID, "error", err)
			c.SetHungUp()
			return
		}

		if len(data) == 0 || data[0] != '{' {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Event {
		case "start":
			sid := frame.Start.StreamSid
			if sid == "" {
				sid = frame.StreamSid
			}
			c.SetStreamSid(sid)
			co.logger.Info("media stream started", "call_id", c.ID, "stream_sid", sid)

		case "media":
			if frame.Media.Track != "inbound" && frame.Media.Track != "inbound_track" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				continue
			}
			if s := c.STT(); s != nil {
				if err := s.SendAudio(payload); err != nil {
					co.logger.Debug("stt send failed", "call_id", c.ID, "error", err)
				}
			}

		case "stop":
			co.logger.Info("media stream stopped", "call_id", c.ID)
			c.SetHungUp()
			return
		}
	}
}
