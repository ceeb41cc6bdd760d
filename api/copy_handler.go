package api

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/xraph/sqlbatch/streamcopy"
)

// CopyResponse is returned by POST /api/v2/sql/copyfrom.
type CopyResponse struct {
	Time      float64 `json:"time"`
	TotalRows int64   `json:"total_rows"`
}

func copyStatement(c *fiber.Ctx) (string, error) {
	sql := strings.TrimSpace(c.Query("q"))
	if sql == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, "missing q parameter")
	}
	if len(sql) < 4 || !strings.EqualFold(sql[:4], "COPY") {
		return "", fiber.NewError(fiber.StatusBadRequest, "q must be a COPY statement")
	}
	return sql, nil
}

// copyTo streams the output of a COPY ... TO STDOUT statement. The status
// line is sent before the copy starts, so a failure midway ends the body
// early and is only logged.
func (a *API) copyTo(c *fiber.Ctx) error {
	sql, err := copyStatement(c)
	if err != nil {
		return err
	}
	params, err := a.resolver(c)
	if err != nil {
		return err
	}

	filename := c.Query("filename", "result.txt")
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+strings.ReplaceAll(filename, `"`, "")+`"`)

	ctx := a.baseCtx
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		_, err := a.eng.Copy(ctx, params, streamcopy.To(sql, w))
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			a.logger.Warn("copyto response ended early",
				slog.String("host", params.Host),
				slog.String("error", err.Error()),
			)
		}
	})
	return nil
}

// copyFrom feeds the request body into a COPY ... FROM STDIN statement.
func (a *API) copyFrom(c *fiber.Ctx) error {
	sql, err := copyStatement(c)
	if err != nil {
		return err
	}
	params, err := a.resolver(c)
	if err != nil {
		return err
	}

	var body io.Reader = c.Context().RequestBodyStream()
	if body == nil {
		body = bytes.NewReader(c.Body())
	}

	res, err := a.eng.Copy(c.UserContext(), params, streamcopy.From(sql, body))
	if err != nil {
		return err
	}
	return c.JSON(CopyResponse{Time: res.Elapsed.Seconds(), TotalRows: res.Rows})
}
