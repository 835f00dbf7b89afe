package entity

import "time"

// Activity types recorded by the service.
const (
	ActivityCrawling           = "crawling"
	ActivityAttachmentDownload = "attachment-download"
)

// Activity is an open activity record.
type Activity struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	StartTime time.Time `json:"startTime"`
}

// ActivityOutcome closes an activity.
type ActivityOutcome struct {
	IsSuccess      bool                      `json:"isSuccess"`
	ErrorMessage   string                    `json:"errorMessage,omitempty"`
	EndTime        time.Time                 `json:"endTime"`
	CrawlingResult *CrawlingResult           `json:"crawlingResult,omitempty"`
	DownloadResult *AttachmentDownloadResult `json:"attachmentDownloadResult,omitempty"`
}

// CrawlingResult summarizes a crawl cycle.
type CrawlingResult struct {
	ThreadsCreated     int             `json:"threadsCreated"`
	PostsCreated       int             `json:"postsCreated"`
	AttachmentsCreated int             `json:"attachmentsCreated"`
	BoardsProcessed    int             `json:"boardsProcessed"`
	WatcherResults     []WatcherResult `json:"watcherResults"`
}

// WatcherResult is the per-watcher part of a crawl cycle.
type WatcherResult struct {
	WatcherName      string `json:"watcherName"`
	ThreadsFound     int    `json:"threadsFound"`
	PostsFound       int    `json:"postsFound"`
	AttachmentsFound int    `json:"attachmentsFound"`
	IsSuccessful     bool   `json:"isSuccessful"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
}

// AttachmentDownloadResult describes one download job.
type AttachmentDownloadResult struct {
	AttachmentID       string `json:"attachmentId"`
	Name               string `json:"name"`
	Width              int    `json:"width"`
	Height             int    `json:"height"`
	Extension          string `json:"extension"`
	FileSize           int64  `json:"fileSize,omitempty"`
	MimeType           string `json:"mimeType,omitempty"`
	DownloadDurationMs int64  `json:"downloadDurationMs"`
	FileURI            string `json:"fileUri,omitempty"`
	ThumbnailGenerated bool   `json:"thumbnailGenerated"`
	RetryCount         int    `json:"retryCount"`
	HTTPStatusCode     int    `json:"httpStatusCode,omitempty"`
}

// ActivityRecord is a stored activity with its outcome, if finished.
type ActivityRecord struct {
	Activity
	Outcome *ActivityOutcome `json:"outcome,omitempty"`
}

// CrawlingStatistics aggregates finished crawling activities.
type CrawlingStatistics struct {
	TotalLogs            int     `json:"totalLogs"`
	AvgThreadsPerRun     float64 `json:"avgThreadsPerRun"`
	AvgPostsPerRun       float64 `json:"avgPostsPerRun"`
	AvgAttachmentsPerRun float64 `json:"avgAttachmentsPerRun"`
}

// Statistic is one periodic snapshot of the entity counts.
type Statistic struct {
	ThreadCount     int64     `json:"threadCount"`
	PostCount       int64     `json:"postCount"`
	AttachmentCount int64     `json:"attachmentCount"`
	TotalSize       int64     `json:"totalSize"`
	CreatedAt       time.Time `json:"createdAt"`
}
