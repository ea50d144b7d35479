package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgecanvas/comfybroker/internal/config"
	"github.com/forgecanvas/comfybroker/internal/domain"
	"github.com/forgecanvas/comfybroker/internal/feedstore"
	"github.com/forgecanvas/comfybroker/internal/jobstore"
	"github.com/forgecanvas/comfybroker/internal/mediastore"
	"github.com/forgecanvas/comfybroker/internal/notify"
	"github.com/forgecanvas/comfybroker/internal/poststore"
	"github.com/forgecanvas/comfybroker/internal/scheduler"
	"github.com/forgecanvas/comfybroker/internal/translate"
)

var onePixelPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// noopProcessor never reaches the real pipeline; handler tests only
// exercise the HTTP surface up to enqueue/lookup, not job execution.
func noopProcessor(ctx context.Context, job *domain.Job, cb func(float64)) error {
	return nil
}

type testHarness struct {
	media  *mediastore.Store
	router http.Handler
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	media, err := mediastore.New(filepath.Join(dir, "outputs"))
	require.NoError(t, err)

	feed := feedstore.New(filepath.Join(dir, "feed"))

	posts, err := poststore.New(filepath.Join(dir, "posts.db"))
	require.NoError(t, err)

	jobs, err := jobstore.New(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)

	wfDir := filepath.Join(dir, "workflows")
	require.NoError(t, writeTestWorkflow(wfDir, "wf-1"))
	workflows, err := config.NewWorkflowConfigStore(logger, wfDir)
	require.NoError(t, err)

	sched := scheduler.New(scheduler.DefaultConfig(), logger, notify.New(logger), noopProcessor)

	cfg := &config.Config{
		MaxUploadBytes: 10 << 20,
		OutputDir:      filepath.Join(dir, "outputs"),
	}

	deps := Deps{
		Config:     cfg,
		Workflows:  workflows,
		Media:      media,
		Feed:       feed,
		Posts:      posts,
		Jobs:       jobs,
		Scheduler:  sched,
		Translator: translate.New("", ""),
		Logger:     logger,
		HealthCheck: func() HealthReport {
			return HealthReport{Status: "ok"}
		},
	}

	return &testHarness{media: media, router: New(deps)}
}

func writeTestWorkflow(dir, id string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	cfg := `{
		"id": "` + id + `",
		"display_name": "Test Workflow",
		"prompt_node": "6",
		"prompt_input_key": "text",
		"sizes": {"square": {"width": 512, "height": 512}}
	}`
	graph := `{"6": {"class_type": "CLIPTextEncode", "inputs": {"text": ""}}}`
	if err := os.WriteFile(filepath.Join(dir, id+".config.json"), []byte(cfg), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, id+".graph.json"), []byte(graph), 0o644)
}

func doRequest(t *testing.T, router http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, path, bytes.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, r)
	return rr
}

func TestHandleListWorkflows_ReturnsLoadedWorkflows(t *testing.T) {
	h := newTestHarness(t)
	rr := doRequest(t, h.router, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	items := body["workflows"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "wf-1", items[0].(map[string]any)["id"])
}

func TestHandleGenerate_RejectsUnknownWorkflow(t *testing.T) {
	h := newTestHarness(t)
	payload, _ := json.Marshal(domain.GenerateRequest{
		UserPrompt: "a cat", AspectRatio: domain.AspectSquare, WorkflowID: "does-not-exist",
	})
	rr := doRequest(t, h.router, http.MethodPost, "/api/v1/generate", payload)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleGenerate_RejectsMissingRequiredFields(t *testing.T) {
	h := newTestHarness(t)
	rr := doRequest(t, h.router, http.MethodPost, "/api/v1/generate", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleGenerate_EnqueuesAndGetJobReportsQueued(t *testing.T) {
	h := newTestHarness(t)
	payload, _ := json.Marshal(domain.GenerateRequest{
		UserPrompt: "a cat", AspectRatio: domain.AspectSquare, WorkflowID: "wf-1",
	})
	rr := doRequest(t, h.router, http.MethodPost, "/api/v1/generate", payload)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	jobID, _ := resp["job_id"].(string)
	require.NotEmpty(t, jobID)

	rr2 := doRequest(t, h.router, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rr2.Code)
	var job map[string]any
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &job))
	assert.Equal(t, "queued", job["status"])
}

func TestHandleGetJob_UnknownIDReturns404(t *testing.T) {
	h := newTestHarness(t)
	rr := doRequest(t, h.router, http.MethodGet, "/api/v1/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleJobMetrics_ReturnsZeroCountWithNoCompletedJobs(t *testing.T) {
	h := newTestHarness(t)
	rr := doRequest(t, h.router, http.MethodGet, "/api/v1/jobs/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["count"])
}

func TestHandleHealthz_ReportsOK(t *testing.T) {
	h := newTestHarness(t)
	rr := doRequest(t, h.router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func uploadMultipart(t *testing.T, router http.Handler, path, fieldFilename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fieldFilename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, path, &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, r)
	return rr
}

func TestHandleUploadInput_ThenListIncludesIt(t *testing.T) {
	h := newTestHarness(t)
	rr := uploadMultipart(t, h.router, "/api/v1/inputs", "in.png", onePixelPNG)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr2 := doRequest(t, h.router, http.MethodGet, "/api/v1/inputs", nil)
	require.Equal(t, http.StatusOK, rr2.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["total"])
}

func TestHandleUploadThenDelete_MovesAssetToTrash(t *testing.T) {
	h := newTestHarness(t)
	rr := uploadMultipart(t, h.router, "/api/v1/controls", "ctl.png", onePixelPNG)
	require.Equal(t, http.StatusCreated, rr.Code)
	var asset map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &asset))
	id := asset["id"].(string)

	rr2 := doRequest(t, h.router, http.MethodPost, "/api/v1/controls/"+id+"/delete", nil)
	assert.Equal(t, http.StatusOK, rr2.Code)

	rr3 := doRequest(t, h.router, http.MethodGet, "/api/v1/controls", nil)
	var listBody map[string]any
	require.NoError(t, json.Unmarshal(rr3.Body.Bytes(), &listBody))
	assert.Equal(t, float64(0), listBody["total"])
}

func TestFeedPublishDetailLikeReaction_FullRoundTrip(t *testing.T) {
	h := newTestHarness(t)

	fsPath, _, err := h.media.SaveArtifact("anon-test", onePixelPNG, mediastore.RequestContext{
		WorkflowID: "wf-1", AspectRatio: "square", UserPrompt: "a cat",
	}, "out.png")
	require.NoError(t, err)
	_ = fsPath

	assets, err := h.media.List("anon-test", domain.KindGenerated, false)
	require.NoError(t, err)
	require.Len(t, assets, 1)

	publishPayload, _ := json.Marshal(map[string]string{
		"source_asset_id": assets[0].ID,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/feed/publish", bytes.NewReader(publishPayload))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "anon_id", Value: "anon-test"})
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var post map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &post))
	postID := post["id"].(string)

	detailRR := doRequest(t, h.router, http.MethodGet, "/api/v1/feed/"+postID, nil)
	assert.Equal(t, http.StatusOK, detailRR.Code)

	likeRR := doRequest(t, h.router, http.MethodPost, "/api/v1/feed/"+postID+"/like", nil)
	require.Equal(t, http.StatusOK, likeRR.Code)
	var likeBody map[string]any
	require.NoError(t, json.Unmarshal(likeRR.Body.Bytes(), &likeBody))
	assert.Equal(t, true, likeBody["liked"])

	reactionPayload, _ := json.Marshal(map[string]string{"reaction": "fire"})
	reactionRR := doRequest(t, h.router, http.MethodPost, "/api/v1/feed/"+postID+"/reaction", reactionPayload)
	assert.Equal(t, http.StatusOK, reactionRR.Code)
}

func TestAdminFeedTrash_RequiresBasicAuth(t *testing.T) {
	h := newTestHarness(t)
	rr := doRequest(t, h.router, http.MethodGet, "/api/v1/admin/feed/trash", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleTranslatePrompt_ServiceUnavailableWhenNotConfigured(t *testing.T) {
	h := newTestHarness(t)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/translate-prompt", bytes.NewReader([]byte("text=a+cat")))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, r)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCancelActive_NoActiveJobIsBadRequest(t *testing.T) {
	h := newTestHarness(t)
	rr := doRequest(t, h.router, http.MethodPost, "/api/v1/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
