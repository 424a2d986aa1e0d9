package xmlstream

// Tag is an element observed in the stream.
type Tag struct {
	Name  string
	Attrs map[string]string
}

// Attr returns the value of the named attribute, or "" if it is absent.
func (t *Tag) Attr(name string) string {
	if t == nil {
		return ""
	}
	return t.Attrs[name]
}

// Processor receives the events of the part of the document it owns.
//
// OnOpenTag may return a child Processor, which then owns the tag and all of
// its descendants. The child is not told about the open tag through
// OnOpenTag (it receives Begin instead) and the current Processor does not
// receive OnCloseTag for it.
type Processor interface {
	OnOpenTag(tag *Tag) Processor
	OnCloseTag(tag *Tag)
	// OnText receives the trimmed, non-empty text directly inside parent.
	OnText(text string, parent *Tag)
}

// Beginner is implemented by processors that want to know the tag they
// were created for.
type Beginner interface {
	Begin(tag *Tag)
}

// Ender is implemented by processors that want to know when the tag they
// own is closed, or the stream ends.
type Ender interface {
	End()
}

// StderrHandler is implemented by processors that consume the standard
// error of the process producing the document. current is the innermost
// open tag, or nil.
type StderrHandler interface {
	OnStderr(data string, current *Tag) (handled bool)
}

// ErrorHandler is implemented by processors that want to record malformed
// input inside the part of the document they own.
type ErrorHandler interface {
	OnParseError(err error)
}

// Funcs adapts plain functions to a Processor. Nil functions are ignored.
type Funcs struct {
	Open  func(tag *Tag) Processor
	Close func(tag *Tag)
	Text  func(text string, parent *Tag)
}

var _ Processor = Funcs{}

func (f Funcs) OnOpenTag(tag *Tag) Processor {
	if f.Open == nil {
		return nil
	}
	return f.Open(tag)
}

func (f Funcs) OnCloseTag(tag *Tag) {
	if f.Close != nil {
		f.Close(tag)
	}
}

func (f Funcs) OnText(text string, parent *Tag) {
	if f.Text != nil {
		f.Text(text, parent)
	}
}
