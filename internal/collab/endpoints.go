package collab

import (
	"context"
	"encoding/json"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/question"
)

// GenerateQuestions asks the generator for an assessment.
func (c *Client) GenerateQuestions(ctx context.Context, cred model.Credential, req question.GenerateRequest) (*question.GenerateResponse, error) {
	var resp question.GenerateResponse
	if err := c.post(ctx, cred, pathGenerateQuestions, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type runRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// RunCode executes the candidate's code. Language goes on the wire lowercase.
func (c *Client) RunCode(ctx context.Context, cred model.Credential, code string, lang model.Language) (*model.RunOutput, error) {
	var out model.RunOutput
	if err := c.post(ctx, cred, pathRunCode, runRequest{Code: code, Language: lang.WireName()}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Evaluate posts the submission and returns the evaluator's opaque bundle.
func (c *Client) Evaluate(ctx context.Context, cred model.Credential, sub model.Submission) (json.RawMessage, error) {
	var bundle json.RawMessage
	if err := c.post(ctx, cred, pathEvaluate, sub, &bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

type violationRequest struct {
	ViolationType model.ViolationKind `json:"violationType"`
	Timestamp     string              `json:"timestamp"`
}

// RecordViolation forwards one incident to the violation log.
func (c *Client) RecordViolation(ctx context.Context, cred model.Credential, rec model.ViolationRecord) error {
	return c.post(ctx, cred, pathViolations, violationRequest{
		ViolationType: rec.ViolationType,
		Timestamp:     rec.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}, nil)
}
