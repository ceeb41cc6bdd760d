package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/xraph/sqlbatch/id"
	"github.com/xraph/sqlbatch/job"
)

// SubmitRequest is the body of POST /api/v2/sql/job.
type SubmitRequest struct {
	// Query is a single statement or a list of statements.
	Query QueryList `json:"query"`
	// Host names the queue the job goes to. It defaults to the database
	// host.
	Host            string `json:"host,omitempty"`
	ContinueOnError bool   `json:"continue_on_error,omitempty"`
}

// QueryList accepts either a JSON string or an array of strings.
type QueryList []string

func (q *QueryList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*q = QueryList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("query must be a string or an array of strings")
	}
	*q = many
	return nil
}

func (a *API) submitJob(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid job request: %v", err))
	}
	params, err := a.resolver(c)
	if err != nil {
		return err
	}

	spec := job.Spec{
		User:            params.User,
		Queries:         req.Query,
		Host:            req.Host,
		DB:              params,
		ContinueOnError: req.ContinueOnError,
	}
	if spec.Host == "" {
		spec.Host = params.Host
	}

	j, err := a.eng.Submit(c.UserContext(), spec)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(j)
}

func (a *API) getJob(c *fiber.Ctx) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}
	j, err := a.eng.Get(c.UserContext(), jobID)
	if err != nil {
		return err
	}
	return c.JSON(j)
}

func (a *API) cancelJob(c *fiber.Ctx) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}
	j, err := a.eng.Cancel(c.UserContext(), jobID)
	if err != nil {
		return err
	}
	return c.JSON(j)
}

func parseJobID(c *fiber.Ctx) (id.JobID, error) {
	jobID, err := id.ParseJobID(c.Params("id"))
	if err != nil {
		return id.JobID{}, fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid job ID: %v", err))
	}
	return jobID, nil
}
