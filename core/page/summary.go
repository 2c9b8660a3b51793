package page

// ItemSummary describes one slot directory entry.
type ItemSummary struct {
	Slot   int    `json:"slot"`
	Offset uint32 `json:"offset"`
	Flags  uint32 `json:"flags"`
	Length uint32 `json:"length"`
	// InBounds is false when the entry points outside the page.
	InBounds bool `json:"in_bounds"`
}

// Summary is a decoded view of a page for display.
type Summary struct {
	Size                    int           `json:"size"`
	LSN                     uint64        `json:"lsn"`
	Checksum                uint16        `json:"checksum"`
	Flags                   uint16        `json:"flags"`
	Lower                   uint16        `json:"lower"`
	Upper                   uint16        `json:"upper"`
	Special                 uint16        `json:"special"`
	PageSizeVersion         uint16        `json:"pagesize_version"`
	ExpectedPageSizeVersion uint16        `json:"expected_pagesize_version"`
	PruneXID                uint32        `json:"prune_xid"`
	New                     bool          `json:"new"`
	FreeSpace               int           `json:"free_space"`
	Items                   []ItemSummary `json:"items"`
	Fingerprint             string        `json:"fingerprint"`
}

// Summarize decodes buf. A damaged slot directory is clamped to the page.
func Summarize(buf []byte) Summary {
	h := HeaderOf(buf)
	s := Summary{
		Size:                    len(buf),
		LSN:                     h.LSN(),
		Checksum:                h.Checksum(),
		Flags:                   h.Flags(),
		Lower:                   h.Lower(),
		Upper:                   h.Upper(),
		Special:                 h.Special(),
		PageSizeVersion:         h.PageSizeVersion(),
		ExpectedPageSizeVersion: ExpectedPageSizeVersion(len(buf)),
		PruneXID:                h.PruneXID(),
		New:                     h.IsNew(),
		FreeSpace:               h.FreeSpace(),
		Fingerprint:             Fingerprint(buf),
	}

	n := min(h.ItemCount(), (len(buf)-SizeOfHeader)/ItemIDSize)
	s.Items = make([]ItemSummary, 0, n)
	for i := 0; i < n; i++ {
		id := h.Item(i)
		s.Items = append(s.Items, ItemSummary{
			Slot:     i + 1,
			Offset:   id.Offset(),
			Flags:    id.Flags(),
			Length:   id.Length(),
			InBounds: h.Tuple(i) != nil,
		})
	}
	return s
}
