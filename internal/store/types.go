package store

import (
	"fmt"
	"time"
)

// MediaType classifies a request's target media.
type MediaType string

const (
	MediaTypeMovie MediaType = "movie"
	MediaTypeTV    MediaType = "tv"
)

// ParseMediaType validates a stored media type string.
func ParseMediaType(s string) (MediaType, error) {
	switch MediaType(s) {
	case MediaTypeMovie, MediaTypeTV:
		return MediaType(s), nil
	}
	return "", fmt.Errorf("unknown media type %q", s)
}

// ServiceType classifies a downstream instance.
type ServiceType string

const (
	ServiceTypeMovies ServiceType = "movies"
	ServiceTypeSeries ServiceType = "series"
)

// ParseServiceType validates a stored service type string.
func ParseServiceType(s string) (ServiceType, error) {
	switch ServiceType(s) {
	case ServiceTypeMovies, ServiceTypeSeries:
		return ServiceType(s), nil
	}
	return "", fmt.Errorf("unknown service type %q", s)
}

// ServiceTypeFor maps a media type onto the instance type that serves it.
func ServiceTypeFor(mt MediaType) ServiceType {
	if mt == MediaTypeMovie {
		return ServiceTypeMovies
	}
	return ServiceTypeSeries
}

// RequestStatus is the request lifecycle state.
type RequestStatus string

const (
	StatusPending     RequestStatus = "pending"
	StatusApproved    RequestStatus = "approved"
	StatusDownloading RequestStatus = "downloading"
	StatusDownloaded  RequestStatus = "downloaded"
	StatusAvailable   RequestStatus = "available"
	StatusRejected    RequestStatus = "rejected"
)

// ParseRequestStatus validates a stored status string.
func ParseRequestStatus(s string) (RequestStatus, error) {
	switch RequestStatus(s) {
	case StatusPending, StatusApproved, StatusDownloading, StatusDownloaded, StatusAvailable, StatusRejected:
		return RequestStatus(s), nil
	}
	return "", fmt.Errorf("unknown request status %q", s)
}

// IsTerminal reports whether a status ends the lifecycle.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusAvailable || s == StatusRejected
}

// QualityTier is the coarse quality label used to steer instance selection.
type QualityTier string

const (
	QualityStandard QualityTier = "standard"
	Quality4K       QualityTier = "4k"
	QualityHDR      QualityTier = "hdr"
)

// ParseQualityTier validates a stored quality tier string.
func ParseQualityTier(s string) (QualityTier, error) {
	switch QualityTier(s) {
	case QualityStandard, Quality4K, QualityHDR:
		return QualityTier(s), nil
	}
	return "", fmt.Errorf("unknown quality tier %q", s)
}

// JobStatus is the execution state of a scheduled job run.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// ParseJobStatus validates a stored job status string.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobRunning, JobSuccess, JobFailed:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// TriggerSource records how a job execution was started.
type TriggerSource string

const (
	TriggerScheduler TriggerSource = "scheduler"
	TriggerManual    TriggerSource = "manual"
	TriggerAPI       TriggerSource = "api"
)

// User is an account; either external (Plex identity) or local (password).
type User struct {
	ID                 int64      `json:"id"`
	ExternalIdentityID *string    `json:"externalIdentityId,omitempty"`
	Username           string     `json:"username"`
	Email              *string    `json:"email,omitempty"`
	DisplayName        *string    `json:"displayName,omitempty"`
	AvatarURL          *string    `json:"avatarUrl,omitempty"`
	IsAdmin            bool       `json:"isAdmin"`
	IsServerOwner      bool       `json:"isServerOwner"`
	IsActive           bool       `json:"isActive"`
	IsLocal            bool       `json:"isLocal"`
	PasswordHash       *string    `json:"-"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          *time.Time `json:"updatedAt,omitempty"`
}

// Role is a named permission bundle.
type Role struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	DisplayName string     `json:"displayName"`
	Description *string    `json:"description,omitempty"`
	Permissions []string   `json:"permissions"`
	IsDefault   bool       `json:"isDefault"`
	IsSystem    bool       `json:"isSystem"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// UserPermissions is the per-user overlay on top of role defaults.
// The tri-state booleans are nil (fall through to role) or hard overrides.
type UserPermissions struct {
	UserID              int64           `json:"userId"`
	RoleID              *int64          `json:"roleId,omitempty"`
	CustomPermissions   map[string]bool `json:"customPermissions"`
	MaxRequests         *int            `json:"maxRequests,omitempty"`
	CanRequestMovies    *bool           `json:"canRequestMovies,omitempty"`
	CanRequestTV        *bool           `json:"canRequestTv,omitempty"`
	InstancePermissions map[string]bool `json:"instancePermissions"`
	CurrentRequestCount int             `json:"currentRequestCount"`
	TotalRequestsMade   int             `json:"totalRequestsMade"`
	UpdatedAt           *time.Time      `json:"updatedAt,omitempty"`
}

// ServiceInstance is a configured downstream download manager endpoint.
type ServiceInstance struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name"`
	ServiceType      ServiceType `json:"serviceType"`
	URL              string      `json:"url"`
	APIKey           string      `json:"-"`
	IsEnabled        bool        `json:"isEnabled"`
	IsDefaultMovie   bool        `json:"isDefaultMovie"`
	IsDefaultTV      bool        `json:"isDefaultTv"`
	Is4KDefault      bool        `json:"is4kDefault"`
	InstanceCategory *string     `json:"instanceCategory,omitempty"`
	QualityTier      QualityTier `json:"qualityTier"`
	Settings         []byte      `json:"settings"`
	CreatedBy        *int64      `json:"createdBy,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        *time.Time  `json:"updatedAt,omitempty"`
}

// MediaRequest is a user's demand for a piece of media.
type MediaRequest struct {
	ID                   int64         `json:"id"`
	UserID               int64         `json:"userId"`
	TmdbID               int64         `json:"tmdbId"`
	MediaType            MediaType     `json:"mediaType"`
	Title                string        `json:"title"`
	Overview             *string       `json:"overview,omitempty"`
	PosterPath           *string       `json:"posterPath,omitempty"`
	ReleaseDate          *string       `json:"releaseDate,omitempty"`
	Status               RequestStatus `json:"status"`
	ServiceInstanceID    *int64        `json:"serviceInstanceId,omitempty"`
	RequestedQualityTier QualityTier   `json:"requestedQualityTier"`
	RadarrID             *int64        `json:"radarrId,omitempty"`
	SonarrID             *int64        `json:"sonarrId,omitempty"`
	SeasonNumber         *int          `json:"seasonNumber,omitempty"`
	EpisodeNumber        *int          `json:"episodeNumber,omitempty"`
	IsSeasonRequest      bool          `json:"isSeasonRequest"`
	IsEpisodeRequest     bool          `json:"isEpisodeRequest"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            *time.Time    `json:"updatedAt,omitempty"`
	ApprovedBy           *int64        `json:"approvedBy,omitempty"`
	ApprovedAt           *time.Time    `json:"approvedAt,omitempty"`
}

// IsWholeSeries reports whether a TV request covers the entire series.
func (r *MediaRequest) IsWholeSeries() bool {
	return r.MediaType == MediaTypeTV && !r.IsSeasonRequest && !r.IsEpisodeRequest
}

// PlexLibraryItem mirrors a movie the library server reports to exist.
type PlexLibraryItem struct {
	ID         int64      `json:"id"`
	TmdbID     int64      `json:"tmdbId"`
	Title      string     `json:"title"`
	Year       *int       `json:"year,omitempty"`
	AddedAt    time.Time  `json:"addedAt"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
	LastSeenAt time.Time  `json:"lastSeenAt"`
}

// PlexTVItem mirrors a TV season or episode the library server reports.
// A nil episode number denotes a season-level entry.
type PlexTVItem struct {
	ID            int64     `json:"id"`
	ShowTmdbID    int64     `json:"showTmdbId"`
	SeasonNumber  int       `json:"seasonNumber"`
	EpisodeNumber *int      `json:"episodeNumber,omitempty"`
	Title         *string   `json:"title,omitempty"`
	AddedAt       time.Time `json:"addedAt"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
}

// JobExecution is one run of a scheduled job.
type JobExecution struct {
	ID              int64          `json:"id"`
	JobName         string         `json:"jobName"`
	StartedAt       time.Time      `json:"startedAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	Status          JobStatus      `json:"status"`
	ResultData      map[string]any `json:"resultData,omitempty"`
	ErrorMessage    *string        `json:"errorMessage,omitempty"`
	TriggeredBy     TriggerSource  `json:"triggeredBy"`
	DurationSeconds *float64       `json:"durationSeconds,omitempty"`
}

// JobSetting is the persisted per-job schedule configuration.
type JobSetting struct {
	IntervalSeconds int  `json:"intervalSeconds"`
	Enabled         bool `json:"enabled"`
}

// Settings is the process-wide singleton settings row.
type Settings struct {
	BaseURL              string                `json:"baseUrl"`
	Theme                string                `json:"theme"`
	ApprovalPolicy       string                `json:"approvalPolicy"`
	DefaultRequestLimit  int                   `json:"defaultRequestLimit"`
	RequestRetentionDays int                   `json:"requestRetentionDays"`
	PlexURL              string                `json:"plexUrl"`
	PlexToken            string                `json:"-"`
	TmdbAPIKey           string                `json:"-"`
	SyncLibraries        []string              `json:"syncLibraries"`
	JobSettings          map[string]JobSetting `json:"jobSettings"`
	CreatedAt            time.Time             `json:"createdAt"`
	UpdatedAt            *time.Time            `json:"updatedAt,omitempty"`
}

// CategoryPage is a cached, decorated catalog page.
type CategoryPage struct {
	MediaType MediaType `json:"mediaType"`
	Category  string    `json:"category"`
	Page      int       `json:"page"`
	Payload   []byte    `json:"payload"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}
