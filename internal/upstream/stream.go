package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgecanvas/comfybroker/internal/apperr"
)

// ProgressFunc receives a 0-100 progress value as the generation
// advances. Called from the WebSocket receive loop's goroutine.
type ProgressFunc func(percent float64)

// Image is one downloaded output, in the selection order SelectImages
// produced (best candidate first).
type Image struct {
	Filename string
	Data     []byte
}

// Result is the outcome of a completed stream: every selected output
// image, ordered best-first per the artifact selection algorithm.
type Result struct {
	Images []Image
}

// Stream opens a WebSocket to /ws?clientId=<id>, reports progress
// until an executing frame for promptID with node=nil arrives, then
// fetches history and downloads the selected output images.
//
// Cancellation: callers call Interrupt concurrently to ask the
// upstream peer to abort; Stream itself only reacts to ctx
// cancellation and the idle-timeout deadline it sets on the
// connection, relying on the peer to close the socket (or the read to
// time out) once interrupted.
func (c *Client) Stream(ctx context.Context, promptID string, onProgress ProgressFunc) (*Result, error) {
	wsURL := fmt.Sprintf("%s/ws?clientId=%s", c.wsBase(), c.clientID)

	dialCtx, cancel := context.WithTimeout(ctx, c.timeouts.WSConnect)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return nil, apperr.New(apperr.UpstreamTimeout, "ws connect failed", err)
	}
	defer conn.Close()

	if err := c.receiveLoop(ctx, conn, promptID, onProgress); err != nil {
		return nil, err
	}

	history, err := c.GetHistory(ctx, promptID)
	if err != nil {
		return nil, err
	}

	entry, _ := history[promptID].(map[string]any)
	outputs, _ := entry["outputs"].(map[string]any)
	promptGraph := ExtractPromptGraph(entry)

	refs := SelectImages(outputs, promptGraph)

	images := make([]Image, 0, len(refs))
	for _, ref := range refs {
		data, err := c.GetImage(ctx, ref.Filename, ref.Subfolder, ref.Type)
		if err != nil || data == nil {
			continue
		}
		images = append(images, Image{Filename: ref.Filename, Data: data})
	}

	return &Result{Images: images}, nil
}

func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn, promptID string, onProgress ProgressFunc) error {
	if err := conn.SetReadDeadline(deadlineFrom(c.timeouts.WSIdle)); err != nil {
		return apperr.New(apperr.Internal, "set ws read deadline", err)
	}

	done := make(chan error, 1)
	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				done <- apperr.New(apperr.UpstreamTimeout, "ws idle timeout or closed", err)
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}

			if err := conn.SetReadDeadline(deadlineFrom(c.timeouts.WSIdle)); err != nil {
				done <- apperr.New(apperr.Internal, "reset ws read deadline", err)
				return
			}

			var frame struct {
				Type string `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}

			switch frame.Type {
			case "executing":
				var exec struct {
					Node     *string `json:"node"`
					PromptID string  `json:"prompt_id"`
				}
				if err := json.Unmarshal(frame.Data, &exec); err != nil {
					continue
				}
				if exec.Node == nil && exec.PromptID == promptID {
					if onProgress != nil {
						onProgress(100)
					}
					done <- nil
					return
				}
			case "progress":
				var prog struct {
					Value float64 `json:"value"`
					Max   float64 `json:"max"`
				}
				if err := json.Unmarshal(frame.Data, &prog); err != nil {
					continue
				}
				if prog.Max > 0 && onProgress != nil {
					onProgress((prog.Value / prog.Max) * 100)
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
		return apperr.New(apperr.UpstreamTimeout, "generation cancelled", ctx.Err())
	case err := <-done:
		return err
	}
}

func deadlineFrom(idle time.Duration) time.Time {
	return time.Now().Add(idle)
}
