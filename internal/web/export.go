package web

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/voxtail/voxtail/internal/store"
)

// handleExport serves a session's full history in the requested format:
// json (default), txt, or csv.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	hist, err := s.store.LoadSessionHistory(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "json":
		w.Header().Set("Content-Disposition", attachment(id, "json"))
		s.writeJSON(w, http.StatusOK, hist)
	case "txt":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", attachment(id, "txt"))
		s.exportText(w, hist)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", attachment(id, "csv"))
		s.exportCSV(w, hist)
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown export format %q", format))
	}
}

func attachment(id, ext string) string {
	return `attachment; filename="session-` + id + `.` + ext + `"`
}

// exportText writes a readable transcript: the processed text when available,
// the raw segments otherwise, and the summary at the end.
func (s *Server) exportText(w http.ResponseWriter, hist *store.SessionHistory) {
	var b strings.Builder

	sess := hist.Session
	fmt.Fprintf(&b, "Session %s\n", sess.ID)
	fmt.Fprintf(&b, "Started: %s\n", sess.StartTime.Format(time.RFC3339))
	if !sess.Open() {
		fmt.Fprintf(&b, "Ended: %s\n", sess.EndTime.Format(time.RFC3339))
	}
	b.WriteString("\n")

	if len(hist.Processed) > 0 {
		for _, tr := range hist.Processed {
			b.WriteString(tr.ProcessedText)
			b.WriteString("\n\n")
		}
	} else {
		for _, seg := range hist.Raw {
			fmt.Fprintf(&b, "[%s] [%s] %s\n",
				seg.Timestamp.Format(time.RFC3339), seg.Source, seg.Text)
		}
		if len(hist.Raw) > 0 {
			b.WriteString("\n")
		}
	}

	if hist.Summary != nil {
		fmt.Fprintf(&b, "Summary: %s\n", hist.Summary.Summary)
		if len(hist.Summary.Keywords) > 0 {
			fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(hist.Summary.Keywords, ", "))
		}
	}

	if _, err := w.Write([]byte(b.String())); err != nil {
		s.log.Error("export write failed", "err", err)
	}
}

// exportCSV writes the raw segment log, one row per segment.
func (s *Server) exportCSV(w http.ResponseWriter, hist *store.SessionHistory) {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"sequence", "timestamp", "source", "confidence", "text"})
	for _, seg := range hist.Raw {
		_ = cw.Write([]string{
			strconv.FormatUint(seg.Sequence, 10),
			seg.Timestamp.Format(time.RFC3339Nano),
			string(seg.Source),
			strconv.FormatFloat(seg.Confidence, 'f', 2, 64),
			seg.Text,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.log.Error("csv export failed", "err", err)
	}
}
