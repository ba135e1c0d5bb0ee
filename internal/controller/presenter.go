package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"protoedit/editcore/pkg/wire"

	"github.com/golang/glog"
)

// observer forwards the notifications of the command history to the
// presenter
type observer struct {
	p Presenter
}

func (o observer) CommandAdded(length int) {
	glog.V(3).Infof("Command stack has %d commands", length)
}

func (o observer) UndoEnabled(enabled bool) { o.p.SetUndoEnabled(enabled) }
func (o observer) RedoEnabled(enabled bool) { o.p.SetRedoEnabled(enabled) }
func (o observer) ShowError(msg string)     { o.p.ShowError(msg) }

type nopPresenter struct{}

func (nopPresenter) Render(*wire.Document)                       {}
func (nopPresenter) RenderPartial(*wire.Document, []wire.Change) {}
func (nopPresenter) SetUndoEnabled(bool)                         {}
func (nopPresenter) SetRedoEnabled(bool)                         {}
func (nopPresenter) ShowSuccess(string)                          {}
func (nopPresenter) ShowError(string)                            {}
func (nopPresenter) NotSavedWarning(string)                      {}

// TextPresenter prints the document and notices as lines of text, for
// headless sessions
type TextPresenter struct {
	mu sync.Mutex
	w  io.Writer

	undo, redo bool
}

// NewTextPresenter creates a presenter writing to w
func NewTextPresenter(w io.Writer) *TextPresenter {
	return &TextPresenter{w: w}
}

func (p *TextPresenter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *TextPresenter) Render(doc *wire.Document) {
	data, err := json.Marshal(doc.Fields)
	if err != nil {
		glog.Errorf("Could not render %s: %v", doc.ID, err)
		return
	}
	p.printf("%s (%s) v%d: %s", doc.Name, doc.ID, doc.LastUpdate, data)
}

func (p *TextPresenter) RenderPartial(_ *wire.Document, changes []wire.Change) {
	for _, ch := range changes {
		if ch.IsRemove() {
			p.printf("- %s", ch.Path)
			continue
		}
		data, _ := json.Marshal(ch.Value)
		p.printf("~ %s = %s", ch.Path, data)
	}
}

func (p *TextPresenter) SetUndoEnabled(enabled bool) {
	p.mu.Lock()
	p.undo = enabled
	p.mu.Unlock()
}

func (p *TextPresenter) SetRedoEnabled(enabled bool) {
	p.mu.Lock()
	p.redo = enabled
	p.mu.Unlock()
}

// Enablement returns the last undo and redo button state
func (p *TextPresenter) Enablement() (undo, redo bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.undo, p.redo
}

func (p *TextPresenter) ShowSuccess(msg string)     { p.printf("ok: %s", msg) }
func (p *TextPresenter) ShowError(msg string)       { p.printf("error: %s", msg) }
func (p *TextPresenter) NotSavedWarning(msg string) { p.printf("warning: %s", msg) }
