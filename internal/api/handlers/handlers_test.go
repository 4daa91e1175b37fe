package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/your-org/trackgraph/internal/graph"
	"github.com/your-org/trackgraph/internal/models"
	"github.com/your-org/trackgraph/pkg/dto"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	mu         sync.Mutex
	videos     map[string]*models.Video
	detections map[string][][]graph.Detection // per video, index = version-1
	jobs       map[uuid.UUID]*models.Job
	edges      map[uuid.UUID][]graph.EdgeRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		videos:     map[string]*models.Video{},
		detections: map[string][][]graph.Detection{},
		jobs:       map[uuid.UUID]*models.Job{},
		edges:      map[uuid.UUID][]graph.EdgeRecord{},
	}
}

func (s *fakeStore) UpsertVideo(_ context.Context, v *models.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.CreatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cp := *v
	s.videos[v.ID] = &cp
	return nil
}

func (s *fakeStore) GetVideo(_ context.Context, id string) (*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videos[id], nil
}

func (s *fakeStore) ReplaceDetections(_ context.Context, videoID string, dets []graph.Detection) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections[videoID] = append(s.detections[videoID], dets)
	return len(s.detections[videoID]), nil
}

// current returns the latest detections of a video.
func (s *fakeStore) current(videoID string) []graph.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.detections[videoID]
	if len(versions) == 0 {
		return nil
	}
	return versions[len(versions)-1]
}

func (s *fakeStore) LoadDetections(_ context.Context, videoID string, version int) (*mat.Dense, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.detections[videoID]
	if version == 0 {
		version = len(versions)
	}
	if version < 1 || version > len(versions) {
		return nil, 0, models.ErrNoDetections
	}
	dets := versions[version-1]
	dt := mat.NewDense(len(dets), graph.DetectionColumns, nil)
	for i, d := range dets {
		dt.SetRow(i, []float64{float64(d.Frame), d.Box.X, d.Box.Y, d.Box.W, d.Box.H, d.Score})
	}
	return dt, version, nil
}

func (s *fakeStore) CreateJob(_ context.Context, j *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.ID = uuid.New()
	j.Status = models.JobStatusPending
	if j.TotalBatches == 0 {
		j.Status = models.JobStatusDone
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id], nil
}

func (s *fakeStore) FailJob(_ context.Context, id uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = models.JobStatusFailed
		j.ErrorMessage = msg
	}
	return nil
}

func (s *fakeStore) ListEdges(_ context.Context, jobID uuid.UUID, limit, offset int) ([]graph.EdgeRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.edges[jobID]
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], len(all), nil
}

type fakePublisher struct {
	mu      sync.Mutex
	tasks   []models.BatchTask
	ingests []models.IngestCommand
	failAt  int // batch number that fails; -1 disables
}

func (p *fakePublisher) PublishBatch(_ context.Context, task models.BatchTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if task.Batch == p.failAt {
		return errors.New("nats: timeout")
	}
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *fakePublisher) PublishIngest(cmd models.IngestCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ingests = append(p.ingests, cmd)
	return nil
}

type testServer struct {
	store  *fakeStore
	pub    *fakePublisher
	engine *gin.Engine
}

func newTestServer(dmax, batchSize int) *testServer {
	s := &testServer{store: newFakeStore(), pub: &fakePublisher{failAt: -1}}
	r := gin.New()
	vh := NewVideoHandler(s.store, s.pub)
	jh := NewJobHandler(s.store, s.store, s.pub, dmax, batchSize)
	sh := NewSystemHandler(
		Check{Name: "postgres", Probe: func(context.Context) error { return nil }},
	)
	r.GET("/healthz", sh.Healthz)
	r.GET("/readyz", sh.Readyz)
	r.POST("/videos", vh.Create)
	r.GET("/videos/:id", vh.Get)
	r.POST("/videos/:id/detections", vh.UploadDetections)
	r.POST("/videos/:id/ingest", vh.Ingest)
	r.POST("/videos/:id/jobs", jh.Create)
	r.GET("/jobs/:id", jh.Get)
	r.GET("/jobs/:id/edges", jh.Edges)
	s.engine = r
	return s
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

const threeDetections = "frame,x,y,w,h,score\n1,10,10,5,5,0.9\n1,40,10,5,5,0.8\n2,12,10,5,5,0.7\n"

func TestCreateAndGetVideo(t *testing.T) {
	s := newTestServer(2, 10)

	w := s.do(t, http.MethodPost, "/videos", `{"id":"cam1","frame_count":2,"source":"cam1.mp4"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[dto.VideoResponse](t, w)
	assert.Equal(t, "cam1", created.ID)
	assert.Equal(t, "2026-01-02T03:04:05Z", created.CreatedAt)

	w = s.do(t, http.MethodGet, "/videos/cam1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[dto.VideoResponse](t, w).FrameCount)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/videos/nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/videos", `{"id":"x","frame_count":0}`).Code)
}

func TestUploadDetections(t *testing.T) {
	s := newTestServer(2, 10)
	s.do(t, http.MethodPost, "/videos", `{"id":"cam1","frame_count":2}`)

	w := s.do(t, http.MethodPost, "/videos/cam1/detections", threeDetections)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[dto.DetectionsResponse](t, w)
	assert.Equal(t, 3, resp.Detections)
	assert.Equal(t, 2, resp.Frames)
	assert.Equal(t, 1, resp.Version)
	assert.Len(t, s.store.current("cam1"), 3)

	// Frame 3 is past the video's end.
	w = s.do(t, http.MethodPost, "/videos/cam1/detections", "3,0,0,1,1,0.5\n")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w = s.do(t, http.MethodPost, "/videos/cam1/detections", "1,0,0,1\n")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Len(t, s.store.current("cam1"), 3)

	w = s.do(t, http.MethodPost, "/videos/cam1/detections", "2,0,0,1,1,0.5\n")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[dto.DetectionsResponse](t, w).Version)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/videos/nope/detections", threeDetections).Code)
}

func TestCreateJobEnqueuesBatches(t *testing.T) {
	s := newTestServer(2, 2)
	s.do(t, http.MethodPost, "/videos", `{"id":"cam1","frame_count":2}`)
	s.do(t, http.MethodPost, "/videos/cam1/detections", threeDetections)

	w := s.do(t, http.MethodPost, "/videos/cam1/jobs", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	job := decode[dto.JobResponse](t, w)
	assert.Equal(t, 2, job.DMax)
	assert.Equal(t, 3, job.Pairs)
	assert.Equal(t, 2, job.TotalBatches)
	assert.Equal(t, "pending", job.Status)

	require.Len(t, s.pub.tasks, 2)
	assert.Equal(t, [][2]int32{{0, 1}, {0, 2}}, s.pub.tasks[0].Pairs)
	assert.Equal(t, [][2]int32{{1, 2}}, s.pub.tasks[1].Pairs)
	assert.Equal(t, job.ID, s.pub.tasks[1].JobID)
	assert.Equal(t, 1, s.pub.tasks[1].Batch)
	assert.Equal(t, 1, job.DetectionsVersion)
	assert.Equal(t, 1, s.pub.tasks[1].Detections)

	w = s.do(t, http.MethodGet, "/jobs/"+job.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, job.ID, decode[dto.JobResponse](t, w).ID)
}

func TestCreateJobOverridesWindow(t *testing.T) {
	s := newTestServer(2, 100)
	s.do(t, http.MethodPost, "/videos", `{"id":"cam1","frame_count":2}`)
	s.do(t, http.MethodPost, "/videos/cam1/detections", threeDetections)

	w := s.do(t, http.MethodPost, "/videos/cam1/jobs", `{"dmax":1}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	job := decode[dto.JobResponse](t, w)
	assert.Equal(t, 1, job.DMax)
	assert.Equal(t, 1, s.pub.tasks[0].DMax)

	// A zero window is a legal request, not a fallback to the default.
	w = s.do(t, http.MethodPost, "/videos/cam1/jobs", `{"dmax":0}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	job = decode[dto.JobResponse](t, w)
	assert.Equal(t, 0, job.DMax)
	assert.Equal(t, 1, job.Pairs) // only the same-frame pair (0,1)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/videos/cam1/jobs", `{"dmax":-3}`).Code)

	published := len(s.pub.tasks)
	w = s.do(t, http.MethodPost, "/videos/cam1/jobs", `{"dmax":3}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "exceeds the configured window")
	assert.Len(t, s.pub.tasks, published)
}

func TestCreateJobPinsDetectionsVersion(t *testing.T) {
	s := newTestServer(2, 100)
	s.do(t, http.MethodPost, "/videos", `{"id":"cam1","frame_count":2}`)
	s.do(t, http.MethodPost, "/videos/cam1/detections", threeDetections)

	w := s.do(t, http.MethodPost, "/videos/cam1/jobs", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	first := decode[dto.JobResponse](t, w)

	s.do(t, http.MethodPost, "/videos/cam1/detections", "1,0,0,1,1,0.5\n2,5,5,1,1,0.5\n")
	w = s.do(t, http.MethodPost, "/videos/cam1/jobs", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	second := decode[dto.JobResponse](t, w)

	assert.Equal(t, 1, first.DetectionsVersion)
	assert.Equal(t, 2, second.DetectionsVersion)
	require.Len(t, s.pub.tasks, 2)
	assert.Equal(t, 1, s.pub.tasks[0].Detections)
	assert.Equal(t, 2, s.pub.tasks[1].Detections)
}

func TestCreateJobErrors(t *testing.T) {
	s := newTestServer(2, 2)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/videos/cam1/jobs", "").Code)

	s.do(t, http.MethodPost, "/videos", `{"id":"cam1","frame_count":2}`)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/videos/cam1/jobs", "").Code)

	s.do(t, http.MethodPost, "/videos/cam1/detections", threeDetections)
	s.pub.failAt = 1
	w := s.do(t, http.MethodPost, "/videos/cam1/jobs", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)

	body := decode[map[string]any](t, w)
	id, err := uuid.Parse(body["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, s.store.jobs[id].Status)
}

func TestCreateJobWithoutPairs(t *testing.T) {
	s := newTestServer(2, 2)
	s.do(t, http.MethodPost, "/videos", `{"id":"cam1","frame_count":9}`)
	s.do(t, http.MethodPost, "/videos/cam1/detections", "1,0,0,1,1,0.5\n9,0,0,1,1,0.5\n")

	w := s.do(t, http.MethodPost, "/videos/cam1/jobs", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	job := decode[dto.JobResponse](t, w)
	assert.Equal(t, 0, job.TotalBatches)
	assert.Equal(t, "done", job.Status)
	assert.Empty(t, s.pub.tasks)
}

func TestListEdges(t *testing.T) {
	s := newTestServer(2, 2)
	id := uuid.New()
	s.store.jobs[id] = &models.Job{ID: id, VideoID: "cam1"}
	s.store.edges[id] = []graph.EdgeRecord{
		{Delta: 0, Weight: -1.5, Src: 0, Dst: 1},
		{Delta: 1, Weight: 0.25, Src: 0, Dst: 2},
		{Delta: 1, Weight: 2, Src: 1, Dst: 2},
	}

	w := s.do(t, http.MethodGet, "/jobs/"+id.String()+"/edges?limit=2&offset=1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[dto.EdgeListResponse](t, w)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Limit)
	assert.Equal(t, []dto.EdgeResponse{
		{Delta: 1, Weight: 0.25, Src: 0, Dst: 2},
		{Delta: 1, Weight: 2, Src: 1, Dst: 2},
	}, resp.Edges)

	w = s.do(t, http.MethodGet, "/jobs/"+id.String()+"/edges", "")
	assert.Equal(t, 1000, decode[dto.EdgeListResponse](t, w).Limit)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/jobs/not-a-uuid/edges", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/jobs/"+uuid.NewString()+"/edges", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/jobs/"+uuid.NewString(), "").Code)
}

func TestIngest(t *testing.T) {
	s := newTestServer(2, 2)

	w := s.do(t, http.MethodPost, "/videos/cam9/ingest", `{"source":"rtsp://cam9/stream","fps":5}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, s.pub.ingests, 1)
	assert.Equal(t, models.IngestCommand{Action: "ingest", VideoID: "cam9", Source: "rtsp://cam9/stream", FPS: 5}, s.pub.ingests[0])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/videos/cam9/ingest", `{}`).Code)

	r := gin.New()
	r.POST("/videos/:id/ingest", NewVideoHandler(s.store, nil).Ingest)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/videos/cam9/ingest", strings.NewReader(`{"source":"x"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadyz(t *testing.T) {
	s := newTestServer(2, 2)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/readyz", "").Code)

	r := gin.New()
	r.GET("/readyz", NewSystemHandler(Check{Name: "nats", Probe: func(context.Context) error {
		return errors.New("nats not connected")
	}}).Readyz)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "nats not connected")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(&graph.InvalidShapeError{Cols: 2, WantCols: 6}))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(graph.ErrInvalidDetection))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk full")))
}
