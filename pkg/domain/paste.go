package domain

const (
	DefaultPage    uint64 = 1
	DefaultPerPage uint64 = 5
)

type Paste struct {
	ID        uint64 `json:"id"`
	Content   string `json:"content"`
	Timestamp uint64 `json:"timestamp"`
}

// ListParams selects one page of pastes. Nil fields fall back to
// DefaultPage and DefaultPerPage; an explicit zero yields an empty page.
type ListParams struct {
	Page    *uint64
	PerPage *uint64
}

func (p ListParams) Resolve() (page, perPage uint64) {
	page, perPage = DefaultPage, DefaultPerPage
	if p.Page != nil {
		page = *p.Page
	}
	if p.PerPage != nil {
		perPage = *p.PerPage
	}
	return page, perPage
}

func Uint64(v uint64) *uint64 { return &v }

type Stats struct {
	Records uint64 `json:"records"`
	NextID  uint64 `json:"next_id"`
}
