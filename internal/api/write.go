package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/friesr/pi5-ptp/internal/lineprotocol"
	"github.com/friesr/pi5-ptp/internal/sink"
	"github.com/friesr/pi5-ptp/pkg/models"
	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// Reused across requests; a gzip.Reader carries ~32KB of inflate state
var gzipReaderPool = sync.Pool{}

// maxRejectedReported caps the rejected lines echoed back in a 400 response
const maxRejectedReported = 20

// Ingester accepts records into the delivery pipeline. HandleBatch never
// loses records: whatever the live attempt fails to deliver is spooled.
type Ingester interface {
	HandleBatch(ctx context.Context, batch []models.Record)
}

// WriteHandler accepts line protocol from local producers
type WriteHandler struct {
	ingest     Ingester
	maxPayload int
	logger     zerolog.Logger

	totalRequests atomic.Int64
	totalRecords  atomic.Int64
	totalRejected atomic.Int64
	totalErrors   atomic.Int64
}

// NewWriteHandler creates a write handler. maxPayload bounds the decompressed
// body size.
func NewWriteHandler(ingest Ingester, maxPayload int, logger zerolog.Logger) *WriteHandler {
	if maxPayload <= 0 {
		maxPayload = DefaultServerConfig().MaxPayloadSize
	}
	return &WriteHandler{
		ingest:     ingest,
		maxPayload: maxPayload,
		logger:     logger.With().Str("component", "write-handler").Logger(),
	}
}

// RegisterRoutes registers the write endpoints
func (h *WriteHandler) RegisterRoutes(app *fiber.App) {
	app.Post("/api/v1/write", h.Write)
	app.Post("/api/v1/write/msgpack", h.WriteMsgPack)
	app.Get("/api/v1/write/stats", h.Stats)
}

// Write handles POST /api/v1/write?precision=ns
//
// Valid lines are handed to the pipeline even when other lines in the body
// are rejected. The response is 204 when every line was accepted and 400
// listing the rejected lines otherwise.
func (h *WriteHandler) Write(c *fiber.Ctx) error {
	body, err := h.readBody(c)
	if err != nil {
		return err
	}

	records, rejected, err := lineprotocol.Parse(body, c.Query("precision"))
	if err != nil {
		h.totalErrors.Add(1)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	reported := make([]fiber.Map, 0, min(len(rejected), maxRejectedReported))
	for _, le := range rejected {
		if len(reported) == maxRejectedReported {
			break
		}
		reported = append(reported, fiber.Map{"line": le.Line, "error": le.Err.Error()})
	}
	return h.accept(c, records, len(rejected), reported)
}

// WriteMsgPack handles POST /api/v1/write/msgpack. The body is the row
// format published by the MQTT sink: {"batch": [{m, t, tags, fields}]} or a
// bare array of rows, with t in microseconds.
func (h *WriteHandler) WriteMsgPack(c *fiber.Ctx) error {
	body, err := h.readBody(c)
	if err != nil {
		return err
	}

	records, rejected, err := sink.DecodeMsgPack(body)
	if err != nil {
		h.totalErrors.Add(1)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	reported := make([]fiber.Map, 0, min(len(rejected), maxRejectedReported))
	for _, re := range rejected {
		if len(reported) == maxRejectedReported {
			break
		}
		reported = append(reported, fiber.Map{"row": re.Row, "error": re.Err.Error()})
	}
	return h.accept(c, records, len(rejected), reported)
}

// readBody returns the request body, inflating gzip payloads. Failures are
// returned as 400 *fiber.Error values for the app's error handler.
func (h *WriteHandler) readBody(c *fiber.Ctx) ([]byte, error) {
	h.totalRequests.Add(1)

	// BodyRaw skips fasthttp's own Content-Encoding handling, which has no
	// size limit
	body := c.BodyRaw()
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		decompressed, err := h.decompressGzip(body)
		if err != nil {
			h.totalErrors.Add(1)
			return nil, fiber.NewError(fiber.StatusBadRequest, "Failed to decompress gzip data: "+err.Error())
		}
		body = decompressed
	}

	if len(bytes.TrimSpace(body)) == 0 {
		h.totalErrors.Add(1)
		return nil, fiber.NewError(fiber.StatusBadRequest, "Empty request body")
	}
	return body, nil
}

// accept hands the valid records to the pipeline as one batch and writes the
// response
func (h *WriteHandler) accept(c *fiber.Ctx, records []models.Record, rejectedCount int, reported []fiber.Map) error {
	if len(records) > 0 {
		h.ingest.HandleBatch(c.UserContext(), records)
		h.totalRecords.Add(int64(len(records)))
	}

	if rejectedCount == 0 {
		return c.SendStatus(fiber.StatusNoContent)
	}

	h.totalRejected.Add(int64(rejectedCount))
	h.logger.Debug().
		Str("path", c.Path()).
		Int("accepted", len(records)).
		Int("rejected", rejectedCount).
		Msg("Rejected write input")

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":    fmt.Sprintf("%d input(s) rejected", rejectedCount),
		"accepted": len(records),
		"rejected": reported,
	})
}

// Stats returns write handler counters
func (h *WriteHandler) Stats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"total_requests": h.totalRequests.Load(),
		"total_records":  h.totalRecords.Load(),
		"total_rejected": h.totalRejected.Load(),
		"total_errors":   h.totalErrors.Load(),
	})
}

// decompressGzip inflates a gzip body with a pooled reader, refusing output
// larger than maxPayload
func (h *WriteHandler) decompressGzip(data []byte) ([]byte, error) {
	var reader *gzip.Reader
	var err error
	if pooled := gzipReaderPool.Get(); pooled != nil {
		reader = pooled.(*gzip.Reader)
		err = reader.Reset(bytes.NewReader(data))
	} else {
		reader, err = gzip.NewReader(bytes.NewReader(data))
	}
	if err != nil {
		if reader != nil {
			gzipReaderPool.Put(reader)
		}
		return nil, err
	}
	defer gzipReaderPool.Put(reader)

	result, err := io.ReadAll(io.LimitReader(reader, int64(h.maxPayload)+1))
	if err != nil {
		return nil, err
	}
	if len(result) > h.maxPayload {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", h.maxPayload)
	}
	return result, nil
}
