package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"genspese/internal/audio"
	"genspese/internal/chart"
	applog "genspese/internal/log"
)

const maxChartDimension = 4096

func (s *Server) handleChartData(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not available")
		return
	}
	writeJSON(w, http.StatusOK, chart.FromSnapshot(s.ledger.Snapshot()))
}

// handleChartPNG renders the per-category totals. Identical renders are
// served from the PNG cache.
func (s *Server) handleChartPNG(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not available")
		return
	}
	opts, err := parseChartOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data := chart.FromSnapshot(s.ledger.Snapshot())

	key, err := chartCacheKey(opts, data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "chart unavailable")
		return
	}
	img, _, err := s.pngCache.GetOrLoad(key, func() ([]byte, error) {
		var buf bytes.Buffer
		if err := chart.RenderPNG(&buf, data, opts); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		if errors.Is(err, chart.ErrNoData) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		applog.FromContext(r.Context()).WithComponent(applog.ComponentChart).ErrorContext(r.Context(), "Chart render failed",
			applog.NewFields().WithOperation(applog.OpRender).WithError(err).ToSlice()...)
		writeError(w, http.StatusInternalServerError, "chart unavailable")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

func parseChartOptions(r *http.Request) (chart.Options, error) {
	q := r.URL.Query()
	kind, err := chart.ParseKind(q.Get("kind"))
	if err != nil {
		return chart.Options{}, err
	}
	opts := chart.Options{Kind: kind, Title: q.Get("title")}
	if opts.Width, err = parseDimension(q.Get("width"), "width"); err != nil {
		return chart.Options{}, err
	}
	if opts.Height, err = parseDimension(q.Get("height"), "height"); err != nil {
		return chart.Options{}, err
	}
	return opts, nil
}

func parseDimension(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > maxChartDimension {
		return 0, fmt.Errorf("%s must be between 1 and %d", name, maxChartDimension)
	}
	return v, nil
}

func chartCacheKey(opts chart.Options, data chart.Data) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%s:%d:%d:%s:%s", opts.Kind, opts.Width, opts.Height, opts.Title, hex.EncodeToString(sum[:8])), nil
}

// handleAudioWAV frames raw little-endian PCM as a WAV file. Playback
// format is used unless source=capture. Bodies with a declared length are
// streamed through an audio queue behind a header written up front.
func (s *Server) handleAudioWAV(w http.ResponseWriter, r *http.Request) {
	format := audio.PlaybackFormat()
	if r.URL.Query().Get("source") == "capture" {
		f, err := audio.CaptureFormat(s.captureRate)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		format = f
	}
	if r.ContentLength > maxAudioBody {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if r.ContentLength > 0 && r.ContentLength%int64(format.BlockAlign()) != 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%d bytes is not a whole number of %d-byte frames",
			r.ContentLength, format.BlockAlign()))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := applog.FromContext(ctx).WithComponent(applog.ComponentAudio)
	q := audio.NewQueue(audioQueueDepth, logger.Slog())
	go q.Pump(ctx, http.MaxBytesReader(w, r.Body, maxAudioBody), audio.DefaultChunkSize)

	if r.ContentLength < 0 {
		s.encodeBufferedWAV(ctx, w, q, format, logger)
		return
	}

	n := int(r.ContentLength)
	// HTTP/1 stops body reads once the response starts unless full duplex is on.
	_ = http.NewResponseController(w).EnableFullDuplex()
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(audio.HeaderSize+n))
	w.WriteHeader(http.StatusOK)
	if err := audio.WriteHeader(w, format, n); err != nil {
		logger.WarnContext(ctx, "Audio stream aborted",
			applog.NewFields().WithOperation(applog.OpEncode).WithError(err).ToSlice()...)
		return
	}
	streamed := 0
	for {
		chunk, err := q.Pop(ctx)
		if errors.Is(err, audio.ErrQueueClosed) {
			break
		}
		if err != nil {
			logger.WarnContext(ctx, "Audio stream aborted",
				applog.NewFields().WithOperation(applog.OpEncode).WithError(err).ToSlice()...)
			return
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		streamed += len(chunk)
	}
	if streamed != n {
		logger.WarnContext(ctx, "Audio stream length mismatch", "declared", n, "streamed", streamed)
		return
	}
	logger.DebugContext(ctx, "Audio encoded",
		applog.FieldOperation, applog.OpEncode,
		"bytes", streamed,
		"seconds", format.Duration(streamed))
}

// encodeBufferedWAV handles chunked uploads whose length is only known once
// the queue drains.
func (s *Server) encodeBufferedWAV(ctx context.Context, w http.ResponseWriter, q *audio.Queue, format audio.Format, logger *applog.Logger) {
	pcm, err := q.Collect(ctx)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read audio body")
		return
	}
	wav, err := audio.EncodeWAV(pcm, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
	logger.DebugContext(ctx, "Audio encoded",
		applog.FieldOperation, applog.OpEncode,
		"bytes", len(pcm),
		"seconds", format.Duration(len(pcm)))
}
