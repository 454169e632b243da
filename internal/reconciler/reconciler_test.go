package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fetcharr/fetcharr/internal/arr"
	"github.com/fetcharr/fetcharr/internal/instances"
	"github.com/fetcharr/fetcharr/internal/store"
	"github.com/fetcharr/fetcharr/internal/testutil"
)

type fakeMovieAPI struct {
	movies   []arr.Movie
	queue    []arr.QueueItem
	listErr  error
	queueErr error
}

func (f *fakeMovieAPI) ListMovies(ctx context.Context) ([]arr.Movie, error) {
	return f.movies, f.listErr
}

func (f *fakeMovieAPI) Queue(ctx context.Context) ([]arr.QueueItem, error) {
	return f.queue, f.queueErr
}

type fakeSeriesAPI struct {
	series []arr.Series
	queue  []arr.QueueItem
}

func (f *fakeSeriesAPI) ListSeries(ctx context.Context) ([]arr.Series, error) {
	return f.series, nil
}

func (f *fakeSeriesAPI) Queue(ctx context.Context) ([]arr.QueueItem, error) {
	return f.queue, nil
}

type fixture struct {
	store      *store.Store
	reconciler *Reconciler
	movies     *fakeMovieAPI
	series     *fakeSeriesAPI
	userID     int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	tdb := testutil.NewTestDB(t)
	st := store.New(tdb.Conn)
	registry := instances.NewRegistry(st, testutil.NewTestLogger(t))

	if _, err := registry.Create(ctx, store.CreateInstanceInput{
		Name: "radarr", ServiceType: store.ServiceTypeMovies,
		URL: "http://radarr:7878", APIKey: "key", IsEnabled: true,
	}); err != nil {
		t.Fatalf("create radarr instance: %v", err)
	}
	if _, err := registry.Create(ctx, store.CreateInstanceInput{
		Name: "sonarr", ServiceType: store.ServiceTypeSeries,
		URL: "http://sonarr:8989", APIKey: "key", IsEnabled: true,
	}); err != nil {
		t.Fatalf("create sonarr instance: %v", err)
	}

	user, err := st.CreateUser(ctx, store.CreateUserInput{Username: "alice", IsLocal: true})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	f := &fixture{
		store:      st,
		reconciler: New(st, registry, testutil.NewTestLogger(t)),
		movies:     &fakeMovieAPI{},
		series:     &fakeSeriesAPI{},
		userID:     user.ID,
	}
	f.reconciler.newMovieAPI = func(string, string) movieAPI { return f.movies }
	f.reconciler.newSeriesAPI = func(string, string) seriesAPI { return f.series }
	return f
}

func (f *fixture) seedRequest(t *testing.T, in store.CreateRequestInput) *store.MediaRequest {
	t.Helper()
	in.UserID = f.userID
	if in.RequestedQualityTier == "" {
		in.RequestedQualityTier = store.QualityStandard
	}
	req, err := f.store.CreateRequest(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	return req
}

func (f *fixture) status(t *testing.T, id int64) store.RequestStatus {
	t.Helper()
	req, err := f.store.GetRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRequest(%d) error = %v", id, err)
	}
	return req.Status
}

func intPtr(n int) *int { return &n }

func TestRunNoActiveRequests(t *testing.T) {
	f := newFixture(t)

	res, err := f.reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Checked != 0 || res.Downloading != 0 || res.Downloaded != 0 {
		t.Fatalf("Run() = %+v, want zero result", res)
	}
}

func TestMovieQueueMarksDownloading(t *testing.T) {
	f := newFixture(t)
	req := f.seedRequest(t, store.CreateRequestInput{
		TmdbID: 100, MediaType: store.MediaTypeMovie,
		Title: "Heat", Status: store.StatusApproved,
	})

	f.movies.movies = []arr.Movie{{ID: 7, TmdbID: 100, Title: "Heat", HasFile: false}}
	f.movies.queue = []arr.QueueItem{{ID: 1, MovieID: 7, Status: "downloading"}}

	res, err := f.reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Checked != 1 || res.Downloading != 1 {
		t.Fatalf("Run() = %+v, want one request marked downloading", res)
	}
	if got := f.status(t, req.ID); got != store.StatusDownloading {
		t.Fatalf("status = %s, want %s", got, store.StatusDownloading)
	}
}

func TestMovieFileMarksDownloaded(t *testing.T) {
	f := newFixture(t)
	req := f.seedRequest(t, store.CreateRequestInput{
		TmdbID: 100, MediaType: store.MediaTypeMovie,
		Title: "Heat", Status: store.StatusDownloading,
	})

	f.movies.movies = []arr.Movie{{ID: 7, TmdbID: 100, Title: "Heat", HasFile: true}}

	res, err := f.reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Downloaded != 1 || res.Available != 0 {
		t.Fatalf("Run() = %+v, want downloaded without availability", res)
	}
	if got := f.status(t, req.ID); got != store.StatusDownloaded {
		t.Fatalf("status = %s, want %s", got, store.StatusDownloaded)
	}
}

func TestMovieInLibraryMarksAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.seedRequest(t, store.CreateRequestInput{
		TmdbID: 100, MediaType: store.MediaTypeMovie,
		Title: "Heat", Status: store.StatusApproved,
	})

	f.movies.movies = []arr.Movie{{ID: 7, TmdbID: 100, Title: "Heat", HasFile: true}}
	err := f.store.UpsertLibraryMovie(ctx, store.UpsertLibraryMovieInput{
		TmdbID: 100, Title: "Heat",
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("seed library movie: %v", err)
	}

	res, err := f.reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// One pass walks the whole chain: approved -> downloaded -> available.
	if res.Downloaded != 1 || res.Available != 1 {
		t.Fatalf("Run() = %+v, want downloaded and available", res)
	}
	if got := f.status(t, req.ID); got != store.StatusAvailable {
		t.Fatalf("status = %s, want %s", got, store.StatusAvailable)
	}
}

func TestSeriesReconciliation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	queued := f.seedRequest(t, store.CreateRequestInput{
		TmdbID: 500, MediaType: store.MediaTypeTV,
		Title: "The Wire", Status: store.StatusApproved,
		SeasonNumber: intPtr(1), IsSeasonRequest: true,
	})
	downloaded := f.seedRequest(t, store.CreateRequestInput{
		TmdbID: 501, MediaType: store.MediaTypeTV,
		Title: "Deadwood", Status: store.StatusDownloading,
		SeasonNumber: intPtr(2), EpisodeNumber: intPtr(3), IsEpisodeRequest: true,
	})
	available := f.seedRequest(t, store.CreateRequestInput{
		TmdbID: 502, MediaType: store.MediaTypeTV,
		Title: "Rome", Status: store.StatusDownloaded,
	})

	f.series.series = []arr.Series{
		{ID: 10, TmdbID: 500, Title: "The Wire"},
		{ID: 11, TmdbID: 501, Title: "Deadwood",
			Statistics: arr.SeriesStatistics{EpisodeFileCount: 5}},
		{ID: 12, TmdbID: 502, Title: "Rome",
			Statistics: arr.SeriesStatistics{EpisodeFileCount: 22}},
	}
	f.series.queue = []arr.QueueItem{{ID: 1, SeriesID: 10, Status: "downloading"}}

	// Rome is mirrored from the library server; Deadwood's episode is not.
	err := f.store.UpsertLibraryTVItem(ctx, store.UpsertLibraryTVInput{
		ShowTmdbID: 502, SeasonNumber: 1, EpisodeNumber: intPtr(1),
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("seed library tv item: %v", err)
	}

	res, err := f.reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Checked != 3 || res.Downloading != 1 || res.Downloaded != 1 || res.Available != 1 {
		t.Fatalf("Run() = %+v, want 1 downloading, 1 downloaded, 1 available", res)
	}
	if got := f.status(t, queued.ID); got != store.StatusDownloading {
		t.Fatalf("queued series status = %s", got)
	}
	if got := f.status(t, downloaded.ID); got != store.StatusDownloaded {
		t.Fatalf("downloaded episode status = %s", got)
	}
	if got := f.status(t, available.ID); got != store.StatusAvailable {
		t.Fatalf("available show status = %s", got)
	}
}

func TestListFailureLeavesRequestsUntouched(t *testing.T) {
	f := newFixture(t)
	req := f.seedRequest(t, store.CreateRequestInput{
		TmdbID: 100, MediaType: store.MediaTypeMovie,
		Title: "Heat", Status: store.StatusApproved,
	})

	f.movies.listErr = errors.New("radarr unreachable")

	res, err := f.reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Downloading != 0 || res.Downloaded != 0 {
		t.Fatalf("Run() = %+v, want no transitions", res)
	}
	if got := f.status(t, req.ID); got != store.StatusApproved {
		t.Fatalf("status = %s, want untouched", got)
	}
}

func TestUnknownDownstreamMovieIgnored(t *testing.T) {
	f := newFixture(t)
	req := f.seedRequest(t, store.CreateRequestInput{
		TmdbID: 100, MediaType: store.MediaTypeMovie,
		Title: "Heat", Status: store.StatusApproved,
	})

	// Queue entry for a movie id the listing never reported.
	f.movies.queue = []arr.QueueItem{{ID: 1, MovieID: 99, Status: "downloading"}}

	res, err := f.reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Downloading != 0 {
		t.Fatalf("Run() = %+v, want no transitions", res)
	}
	if got := f.status(t, req.ID); got != store.StatusApproved {
		t.Fatalf("status = %s, want untouched", got)
	}
}
