package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/g960059/biome/internal/model"
)

const (
	msgStatus         = "status"
	msgFrame          = "frame"
	msgError          = "error"
	msgControl        = "control"
	msgSetModel       = "set_model"
	msgReset          = "reset"
	msgInitialSeed    = "set_initial_seed"
	msgPrompt         = "prompt"
	msgPromptWithSeed = "prompt_with_seed"
	msgPause          = "pause"
	msgResume         = "resume"
)

type typedMessage struct {
	Type string `json:"type"`
}

type controlMessage struct {
	Type    string   `json:"type"`
	Buttons []string `json:"buttons"`
	MouseDX float64  `json:"mouse_dx"`
	MouseDY float64  `json:"mouse_dy"`
	TS      float64  `json:"ts"`
}

type setModelMessage struct {
	Type  string `json:"type"`
	Model string `json:"model"`
	Seed  string `json:"seed,omitempty"`
}

type filenameMessage struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

type promptMessage struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

type inboundMessage struct {
	Type     string  `json:"type"`
	Code     string  `json:"code"`
	Data     string  `json:"data"`
	FrameID  int64   `json:"frame_id"`
	ClientTS float64 `json:"client_ts"`
	GenMS    float64 `json:"gen_ms"`
	Message  string  `json:"message"`
}

// decodeInbound turns one server message into an Event. ok is false for
// message types the client does not act on.
func decodeInbound(raw []byte) (ev Event, ok bool, err error) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, false, fmt.Errorf("decode message: %w", err)
	}
	switch msg.Type {
	case msgStatus:
		return Event{Kind: EventStatus, Status: model.StatusCode(msg.Code)}, true, nil
	case msgFrame:
		data, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return Event{}, false, fmt.Errorf("decode frame %d: %w", msg.FrameID, err)
		}
		return Event{Kind: EventFrame, Frame: model.Frame{
			ID:       msg.FrameID,
			Data:     data,
			ClientTS: msg.ClientTS,
			GenMS:    msg.GenMS,
		}}, true, nil
	case msgError:
		return Event{Kind: EventError, Message: msg.Message}, true, nil
	default:
		return Event{}, false, nil
	}
}
