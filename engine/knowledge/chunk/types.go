package chunk

// Document represents raw content prior to chunking.
type Document struct {
	ID string
	// Version distinguishes content revisions of the same document, usually its content hash.
	Version string
	Text    string
}

// Settings configures chunking and preprocessing behavior.
type Settings struct {
	Size              int
	Overlap           int
	NormalizeNewlines bool
	// PreferBoundaries moves cuts back to a sentence end or whitespace when one
	// lies in the second half of the window.
	PreferBoundaries bool
}
