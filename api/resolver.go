package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/xraph/sqlbatch/job"
)

// Resolver maps a request to the tenant database it targets. Credential
// lookup (API keys, per-user roles) lives behind this function.
type Resolver func(c *fiber.Ctx) (job.DBParams, error)

// Headers read by HeaderResolver.
const (
	HeaderDBHost     = "X-DB-Host"
	HeaderDBPort     = "X-DB-Port"
	HeaderDBName     = "X-DB-Name"
	HeaderDBUser     = "X-DB-User"
	HeaderDBPassword = "X-DB-Password"
)

// HeaderResolver takes the database parameters from X-DB-* request
// headers. The port defaults to 5432.
func HeaderResolver(c *fiber.Ctx) (job.DBParams, error) {
	p := job.DBParams{
		Host:     c.Get(HeaderDBHost),
		Port:     5432,
		Name:     c.Get(HeaderDBName),
		User:     c.Get(HeaderDBUser),
		Password: c.Get(HeaderDBPassword),
	}
	if p.Host == "" {
		return p, fiber.NewError(fiber.StatusBadRequest, "missing "+HeaderDBHost+" header")
	}
	if raw := c.Get(HeaderDBPort); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return p, fiber.NewError(fiber.StatusBadRequest, "invalid "+HeaderDBPort+" header")
		}
		p.Port = port
	}
	return p, nil
}
