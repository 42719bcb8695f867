package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"pilotnerd-agent/internal/executor"
)

// isolatedWorldName labels the isolated worlds we create per frame.
const isolatedWorldName = "__pilotnerd__"

// tabSession tracks the execution contexts of one page. Main-world contexts
// are learned from Runtime events; isolated worlds are created on demand and
// cached per frame. Navigation clears both maps via context-destroyed events.
type tabSession struct {
	page   *rod.Page
	cancel context.CancelFunc

	mu       sync.Mutex
	main     map[proto.PageFrameID]proto.RuntimeExecutionContextID
	isolated map[proto.PageFrameID]proto.RuntimeExecutionContextID
}

func newTabSession(page *rod.Page) (*tabSession, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &tabSession{
		page:     page,
		cancel:   cancel,
		main:     make(map[proto.PageFrameID]proto.RuntimeExecutionContextID),
		isolated: make(map[proto.PageFrameID]proto.RuntimeExecutionContextID),
	}
	go s.trackContexts(ctx)
	// Enabling the Runtime domain replays executionContextCreated for every
	// live context, seeding the main-world map.
	if err := (proto.RuntimeEnable{}).Call(page); err != nil {
		cancel()
		return nil, fmt.Errorf("enable runtime events: %w", err)
	}
	return s, nil
}

func (s *tabSession) close() {
	s.cancel()
}

func (s *tabSession) trackContexts(ctx context.Context) {
	p := s.page.Context(ctx)
	p.EachEvent(
		func(ev *proto.RuntimeExecutionContextCreated) {
			frameID, _ := ev.Context.AuxData["frameId"].Val().(string)
			isDefault, _ := ev.Context.AuxData["isDefault"].Val().(bool)
			if frameID == "" || !isDefault {
				return
			}
			s.mu.Lock()
			s.main[proto.PageFrameID(frameID)] = ev.Context.ID
			s.mu.Unlock()
		},
		func(ev *proto.RuntimeExecutionContextDestroyed) {
			s.mu.Lock()
			for f, id := range s.main {
				if id == ev.ExecutionContextID {
					delete(s.main, f)
				}
			}
			for f, id := range s.isolated {
				if id == ev.ExecutionContextID {
					delete(s.isolated, f)
				}
			}
			s.mu.Unlock()
		},
		func(ev *proto.RuntimeExecutionContextsCleared) {
			s.mu.Lock()
			s.main = make(map[proto.PageFrameID]proto.RuntimeExecutionContextID)
			s.isolated = make(map[proto.PageFrameID]proto.RuntimeExecutionContextID)
			s.mu.Unlock()
		},
	)()
}

// contextFor resolves the execution context for a frame and world. The
// top-level main world maps to the page default context (id 0). A missing
// tracked main-world context means nothing of ours can run there, which is
// surfaced as executor.ErrMissingBridge so auto mode falls back to isolated.
func (s *tabSession) contextFor(ctx context.Context, frameID string, world executor.World, topLevel bool) (proto.RuntimeExecutionContextID, error) {
	fid := proto.PageFrameID(frameID)
	if world != executor.WorldIsolated {
		if topLevel {
			return 0, nil
		}
		s.mu.Lock()
		id, ok := s.main[fid]
		s.mu.Unlock()
		if !ok {
			return 0, fmt.Errorf("%w: no main-world context for frame %s", executor.ErrMissingBridge, frameID)
		}
		return id, nil
	}

	s.mu.Lock()
	id, ok := s.isolated[fid]
	s.mu.Unlock()
	if ok {
		return id, nil
	}
	res, err := proto.PageCreateIsolatedWorld{
		FrameID:             fid,
		WorldName:           isolatedWorldName,
		GrantUniveralAccess: true,
	}.Call(s.page.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("create isolated world for frame %s: %w", frameID, err)
	}
	s.mu.Lock()
	s.isolated[fid] = res.ExecutionContextID
	s.mu.Unlock()
	return res.ExecutionContextID, nil
}

// eval runs an expression in the given context and returns its value.
// Page-side exceptions come back as errors carrying the exception text.
func (s *tabSession) eval(ctx context.Context, expr string, ctxID proto.RuntimeExecutionContextID) (interface{}, error) {
	req := proto.RuntimeEvaluate{
		Expression:    expr,
		ReturnByValue: true,
		AwaitPromise:  true,
	}
	if ctxID != 0 {
		req.ContextID = ctxID
	}
	res, err := req.Call(s.page.Context(ctx))
	if err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, fmt.Errorf("page exception: %s", exceptionText(res.ExceptionDetails))
	}
	if res.Result == nil {
		return nil, nil
	}
	return res.Result.Value.Val(), nil
}

func exceptionText(details *proto.RuntimeExceptionDetails) string {
	if details.Exception != nil && details.Exception.Description != "" {
		return details.Exception.Description
	}
	return details.Text
}
