package inspector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/entrhq/sidecart/pkg/types"
)

func TestRecordMsgUpdatesView(t *testing.T) {
	m := newModel(7)

	updated, _ := m.Update(recordMsg{tabID: 7, rec: types.ViewRecord{
		URL:       "https://www.example.ca/product/1",
		PageType:  types.PageProduct,
		DomStatus: types.DomLoaded,
	}})
	m = updated.(model)

	view := m.View()
	assert.Contains(t, view, "PRODUCT_PAGE")
	assert.Contains(t, view, "www.example.ca")
}

func TestRecordMsgForOtherTabIgnored(t *testing.T) {
	m := newModel(7)

	updated, _ := m.Update(recordMsg{tabID: 3, rec: types.ViewRecord{PageType: types.PageCart}})
	m = updated.(model)

	assert.NotContains(t, m.View(), "CART_PAGE")
}

func TestJobLinesAreBounded(t *testing.T) {
	m := newModel(7)

	for i := 0; i < maxJobLines+5; i++ {
		updated, _ := m.Update(jobMsg{tabID: 7, update: types.JobUpdate{JobID: "job-1", Message: "step"}})
		m = updated.(model)
	}

	assert.Len(t, m.jobLines, maxJobLines)
}

func TestErrorRecordRendersErrorCode(t *testing.T) {
	m := newModel(7)

	updated, _ := m.Update(recordMsg{tabID: 7, rec: types.ViewRecord{
		PageType:  types.PageError,
		DomStatus: types.DomError,
		ErrorCode: types.ErrCodeLoadingTimeout,
	}})
	m = updated.(model)

	assert.True(t, strings.Contains(m.View(), types.ErrCodeLoadingTimeout))
}

func TestQuitKey(t *testing.T) {
	m := newModel(7)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.NotNil(t, cmd)
}
