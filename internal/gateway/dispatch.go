package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codegateio/gateway/internal/adapter"
	"github.com/codegateio/gateway/internal/model"
)

// requestTimeout bounds how long any single request is allowed to occupy
// its dispatch goroutine before the connection's resources are reclaimed.
// sendMessage's own 5-minute hard timeout (httpstream) / watchdog (stdio)
// still governs how long the underlying adapter call may run; this is a
// slightly longer backstop so a wedged handler cannot leak forever.
const requestTimeout = 6 * time.Minute

// dispatch decodes req.Payload per req.Type, calls the Engine Manager, and
// writes exactly one Response back to c (§4.7 request types table).
func (s *Server) dispatch(c *client, req Request) {
	if req.Type == "" {
		c.send <- errorResponse(req.RequestID, ErrCodeParse, "missing request type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	payload, err := s.handle(ctx, req.Type, req.Payload)
	if err != nil {
		c.send <- errorResponse(req.RequestID, errorCode(err), err.Error())
		return
	}
	c.send <- okResponse(req.RequestID, payload)
}

var errUnknownRequest = errors.New("unknown request type")

func errorCode(err error) string {
	switch {
	case errors.Is(err, errUnknownRequest):
		return ErrCodeUnknown
	case errors.Is(err, errParsePayload):
		return ErrCodeParse
	case errors.Is(err, adapter.ErrSessionNotFound):
		return "SESSION_NOT_FOUND"
	case errors.Is(err, adapter.ErrPermissionNotFound):
		return "PERMISSION_NOT_FOUND"
	case errors.Is(err, adapter.ErrNotRunning):
		return "NOT_RUNNING"
	case errors.Is(err, adapter.ErrCancelled):
		return "CANCELLED"
	case errors.Is(err, adapter.ErrTimeout):
		return "TIMEOUT"
	default:
		return ErrCodeInternal
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", errParsePayload, err)
	}
	return v, nil
}

var errParsePayload = errors.New("malformed payload")

func (s *Server) handle(ctx context.Context, reqType string, raw json.RawMessage) (any, error) {
	switch reqType {
	case "engine.list":
		return map[string]any{"engines": s.manager.ListEngines()}, nil

	case "engine.capabilities":
		p, err := decode[engineCapabilitiesRequest](raw)
		if err != nil {
			return nil, err
		}
		models, err := s.manager.ListModels(ctx, p.EngineType)
		if err != nil {
			return nil, err
		}
		modes, err := s.manager.GetModes(ctx, p.EngineType)
		if err != nil {
			return nil, err
		}
		return map[string]any{"models": models, "modes": modes}, nil

	case "session.list":
		p, err := decode[sessionListRequest](raw)
		if err != nil {
			return nil, err
		}
		return s.manager.ListSessions(ctx, p.Arg)

	case "session.create":
		p, err := decode[sessionCreateRequest](raw)
		if err != nil {
			return nil, err
		}
		return s.manager.CreateSession(ctx, p.EngineType, p.Directory)

	case "session.get":
		p, err := decode[sessionIDRequest](raw)
		if err != nil {
			return nil, err
		}
		return s.manager.GetSession(ctx, p.SessionID)

	case "session.delete":
		p, err := decode[sessionIDRequest](raw)
		if err != nil {
			return nil, err
		}
		return struct{}{}, s.manager.DeleteSession(ctx, p.SessionID)

	case "message.send":
		p, err := decode[messageSendRequest](raw)
		if err != nil {
			return nil, err
		}
		return s.manager.SendMessage(ctx, p.SessionID, p.Content, adapter.SendOptions{Mode: p.Mode, ModelID: p.ModelID})

	case "message.cancel":
		p, err := decode[sessionIDRequest](raw)
		if err != nil {
			return nil, err
		}
		return struct{}{}, s.manager.CancelMessage(ctx, p.SessionID)

	case "message.list":
		p, err := decode[sessionIDRequest](raw)
		if err != nil {
			return nil, err
		}
		return s.manager.ListMessages(ctx, p.SessionID)

	case "model.list":
		p, err := decode[engineCapabilitiesRequest](raw)
		if err != nil {
			return nil, err
		}
		return s.manager.ListModels(ctx, p.EngineType)

	case "model.set":
		p, err := decode[modelSetRequest](raw)
		if err != nil {
			return nil, err
		}
		return struct{}{}, s.manager.SetModel(ctx, p.SessionID, p.ModelID)

	case "mode.set":
		p, err := decode[modeSetRequest](raw)
		if err != nil {
			return nil, err
		}
		return struct{}{}, s.manager.SetMode(ctx, p.SessionID, p.ModeID)

	case "permission.reply":
		p, err := decode[permissionReplyRequest](raw)
		if err != nil {
			return nil, err
		}
		reply := model.PermissionReply{OptionID: p.OptionID, Cancelled: p.Cancelled}
		return struct{}{}, s.manager.ReplyPermission(ctx, p.PermissionID, reply)

	case "project.list":
		return s.manager.ListProjects(ctx)

	case "project.setEngine":
		p, err := decode[projectSetEngineRequest](raw)
		if err != nil {
			return nil, err
		}
		return struct{}{}, s.manager.SetProjectBinding(p.Directory, p.EngineType)

	default:
		s.logger.Debug("unknown request type", zap.String("type", reqType))
		return nil, fmt.Errorf("%w: %q", errUnknownRequest, reqType)
	}
}

type engineCapabilitiesRequest struct {
	EngineType string `json:"engineType"`
}

type sessionListRequest struct {
	Arg string `json:"arg"`
}

type sessionCreateRequest struct {
	EngineType string `json:"engineType"`
	Directory  string `json:"directory"`
}

type sessionIDRequest struct {
	SessionID string `json:"sessionId"`
}

type messageSendRequest struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Mode      string `json:"mode,omitempty"`
	ModelID   string `json:"modelId,omitempty"`
}

type modelSetRequest struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

type modeSetRequest struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

type permissionReplyRequest struct {
	PermissionID string `json:"permissionId"`
	OptionID     string `json:"optionId,omitempty"`
	Cancelled    bool   `json:"cancelled,omitempty"`
}

type projectSetEngineRequest struct {
	Directory  string `json:"directory"`
	EngineType string `json:"engineType"`
}
