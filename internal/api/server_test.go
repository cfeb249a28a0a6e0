package api

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radshift/inference-api/internal/config"
	"github.com/radshift/inference-api/internal/estimator"
	"github.com/radshift/inference-api/internal/inference"
	"github.com/radshift/inference-api/internal/model"
	publishermemory "github.com/radshift/inference-api/internal/publisher/memory"
	storagememory "github.com/radshift/inference-api/internal/storage/memory"
)

const (
	testSecret = "test-secret"
	testRunID  = "api_inference_1629291609_fb5dfdf9"
)

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time { return c.now }

type fakeIDGen struct {
	id string
}

func (g fakeIDGen) NewID() (string, error) { return g.id, nil }

type fakeCompute struct {
	mu        sync.Mutex
	submitted []inference.RunRequest
	submitErr error
	infos     map[string]inference.RunInfo
	infoErr   error
	result    []byte
}

func (f *fakeCompute) SubmitRun(_ context.Context, req inference.RunRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return nil
}

func (f *fakeCompute) RunInfo(_ context.Context, runID string) (inference.RunInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return inference.RunInfo{}, f.infoErr
	}
	info, ok := f.infos[runID]
	if !ok {
		return inference.RunInfo{}, inference.ErrRunNotFound
	}
	return info, nil
}

func (f *fakeCompute) OpenResult(_ context.Context, _ string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(f.result)), nil
}

func (f *fakeCompute) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type testEnv struct {
	server  *Server
	compute *fakeCompute
	blobs   *storagememory.BlobStore
	service *inference.Service
}

func newTestEnv(compute *fakeCompute) *testEnv {
	blobs := storagememory.NewBlobStore()
	svc := inference.NewService(
		compute,
		blobs,
		publishermemory.New(),
		fakeIDGen{id: testRunID},
		fakeClock{now: time.Unix(1629291609, 0)},
		inference.NewExponentialRetryPolicy(2, time.Millisecond, 2*time.Millisecond),
		estimator.New(nil),
		inference.Config{
			ImageFolder: "imagedata",
			ContentType: "application/zip",
			Cluster:     "gpu-cluster",
			Channels:    []string{"ct"},
			Topic:       "inference-runs",
		},
		zap.NewNop(),
	)
	cfg := config.Config{
		Server: config.ServerConfig{Port: 8080, TimeoutSeconds: 5},
		Auth:   config.AuthConfig{Secret: testSecret},
	}
	catalog := model.NewCatalog([]string{"PassThroughModel"})
	return &testEnv{
		server:  NewServer(svc, catalog, cfg, zap.NewNop()),
		compute: compute,
		blobs:   blobs,
		service: svc,
	}
}

func (e *testEnv) do(method, target string, body []byte, secret string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if secret != "" {
		req.Header.Set(AuthHeader, secret)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func validArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("ct/slice001.dcm")
	require.NoError(t, err)
	_, err = f.Write([]byte("dicom bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestPing_MissingCredential(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{})
	rec := env.do(http.MethodGet, "/v1/ping", nil, "")

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "NoAuthenticationInformation")
}

func TestPing_WrongCredential(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{})
	rec := env.do(http.MethodGet, "/v1/ping", nil, "wrong")

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPing_Authenticated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{})
	rec := env.do(http.MethodGet, "/v1/ping", nil, testSecret)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestStartModel_MissingCredentialHasNoSideEffect(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{})
	rec := env.do(http.MethodPost, "/v1/model/start/PassThroughModel:4", validArchive(t), "")

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, 0, env.blobs.Len())
	require.Equal(t, 0, env.compute.submissionCount())
}

func TestStartModel_Succeeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{})
	rec := env.do(http.MethodPost, "/v1/model/start/PassThroughModel:4", validArchive(t), testSecret)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	require.Equal(t, testRunID, rec.Body.String())

	stored, ok := env.blobs.Object("imagedata/" + testRunID + "/imagedata.zip")
	require.True(t, ok)
	require.Equal(t, validArchive(t), stored)
	require.Equal(t, 1, env.compute.submissionCount())
}

func TestStartModel_UnknownModel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{})
	rec := env.do(http.MethodPost, "/v1/model/start/MysteryModel:4", validArchive(t), testSecret)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "InvalidModelId")
	require.Equal(t, 0, env.compute.submissionCount())
}

func TestStartModel_MalformedReference(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{})
	for _, raw := range []string{"PassThroughModel", "PassThroughModel:four", "PassThroughModel:0"} {
		rec := env.do(http.MethodPost, "/v1/model/start/"+raw, validArchive(t), testSecret)
		require.Equal(t, http.StatusBadRequest, rec.Code, raw)
	}
}

func TestStartModel_MalformedArchive(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{})
	rec := env.do(http.MethodPost, "/v1/model/start/PassThroughModel:4", []byte("not a zip"), testSecret)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "InvalidZipFile")
	// Rejected before upload or dispatch.
	require.Equal(t, 0, env.blobs.Len())
	require.Equal(t, 0, env.compute.submissionCount())
}

func TestStartModel_DispatchFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{submitErr: errors.New("compute unreachable")})
	rec := env.do(http.MethodPost, "/v1/model/start/PassThroughModel:4", validArchive(t), testSecret)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "InternalError")
}

func TestDownloadResult_InProgress(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{infos: map[string]inference.RunInfo{
		testRunID: {RunID: testRunID, State: inference.RunStateRunning},
	}})
	rec := env.do(http.MethodGet, "/v1/model/results/"+testRunID, nil, testSecret)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestDownloadResult_Complete(t *testing.T) {
	t.Parallel()

	resultBytes := []byte("segmentation archive bytes")
	env := newTestEnv(&fakeCompute{
		infos: map[string]inference.RunInfo{
			testRunID: {RunID: testRunID, State: inference.RunStateCompleted},
		},
		result: resultBytes,
	})
	_, err := env.blobs.PutObject(context.Background(), env.service.InputPath(testRunID), "application/zip", bytes.NewReader(validArchive(t)))
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/v1/model/results/"+testRunID, nil, testSecret)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	require.Equal(t, resultBytes, rec.Body.Bytes())

	stored, ok := env.blobs.Object(env.service.InputPath(testRunID))
	require.True(t, ok)
	require.Equal(t, []byte(inference.DeletedImageNotification), stored)
}

func TestDownloadResult_UnknownRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{})
	rec := env.do(http.MethodGet, "/v1/model/results/no_such_run", nil, testSecret)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "InvalidRunId")
}

func TestDownloadResult_FailedRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{infos: map[string]inference.RunInfo{
		testRunID: {RunID: testRunID, State: inference.RunStateFailed},
	}})
	rec := env.do(http.MethodGet, "/v1/model/results/"+testRunID, nil, testSecret)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "InternalError")
}

func TestDownloadResult_UpstreamUnreachable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{infoErr: errors.New("connection reset")})
	rec := env.do(http.MethodGet, "/v1/model/results/"+testRunID, nil, testSecret)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDownloadResult_MissingCredential(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{})
	rec := env.do(http.MethodGet, "/v1/model/results/"+testRunID, nil, "")

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMetrics_NoCredentialRequired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&fakeCompute{})
	rec := env.do(http.MethodGet, "/metrics", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEndToEnd_SubmitPollFetchCleanup(t *testing.T) {
	t.Parallel()

	compute := &fakeCompute{infos: map[string]inference.RunInfo{}, result: []byte("result archive")}
	env := newTestEnv(compute)

	// Submit.
	rec := env.do(http.MethodPost, "/v1/model/start/PassThroughModel:4", validArchive(t), testSecret)
	require.Equal(t, http.StatusCreated, rec.Code)
	runID := rec.Body.String()
	require.Equal(t, testRunID, runID)

	// Still running: poll returns 202 with an empty body.
	compute.mu.Lock()
	compute.infos[runID] = inference.RunInfo{RunID: runID, State: inference.RunStateQueued}
	compute.mu.Unlock()
	rec = env.do(http.MethodGet, "/v1/model/results/"+runID, nil, testSecret)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Empty(t, rec.Body.String())

	// Input still intact before the terminal state.
	stored, ok := env.blobs.Object(env.service.InputPath(runID))
	require.True(t, ok)
	require.Equal(t, validArchive(t), stored)

	// Completed: poll returns the archive and the input is overwritten.
	compute.mu.Lock()
	compute.infos[runID] = inference.RunInfo{RunID: runID, State: inference.RunStateCompleted}
	compute.mu.Unlock()
	rec = env.do(http.MethodGet, "/v1/model/results/"+runID, nil, testSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []byte("result archive"), rec.Body.Bytes())

	stored, ok = env.blobs.Object(env.service.InputPath(runID))
	require.True(t, ok)
	require.Equal(t, []byte(inference.DeletedImageNotification), stored)
}
