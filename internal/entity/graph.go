package entity

// AttachmentRef is an attachment together with every thread and post that
// references it.
type AttachmentRef struct {
	ID        string
	ThreadIDs []string
	PostIDs   []string
}

// PostNode is a post and its attachments.
type PostNode struct {
	ID          string
	Attachments []AttachmentRef
}

// ThreadNode is a thread loaded with the relations the collector inspects.
type ThreadNode struct {
	Thread
	WatcherIDs []int64
	// ActivePins counts non-archived watcher threads resolved to this thread.
	ActivePins  int
	Posts       []PostNode
	Attachments []AttachmentRef
}
