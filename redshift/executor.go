// Package redshift drives the asynchronous Redshift Data API: it maps source
// schemas to column types, builds the loading statements and executes them to
// completion, polling with a bounded backoff.
package redshift

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata/types"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// ErrMaxWaitExceeded is returned (wrapped in an ExecutionError) when a
// statement does not reach a terminal status within PollPolicy.MaxWait.
var ErrMaxWaitExceeded = errors.New("statement did not finish")

// API is the subset of the Redshift Data API the executor drives. The
// redshiftdata.Client satisfies it.
type API interface {
	ExecuteStatement(ctx context.Context, params *redshiftdata.ExecuteStatementInput, optFns ...func(*redshiftdata.Options)) (*redshiftdata.ExecuteStatementOutput, error)
	DescribeStatement(ctx context.Context, params *redshiftdata.DescribeStatementInput, optFns ...func(*redshiftdata.Options)) (*redshiftdata.DescribeStatementOutput, error)
	GetStatementResult(ctx context.Context, params *redshiftdata.GetStatementResultInput, optFns ...func(*redshiftdata.Options)) (*redshiftdata.GetStatementResultOutput, error)
}

// Target identifies the cluster and database statements run against.
type Target struct {
	ClusterIdentifier string `validate:"required"`
	Database          string `validate:"required"`
	SecretARN         string `validate:"required"`
}

// PollPolicy bounds the describe-poll loop of one Execute call.
type PollPolicy struct {
	// Interval is the delay before the second describe call.
	Interval time.Duration `default:"500ms" validate:"gt=0"`
	// MaxWait bounds the total time spent waiting on one statement.
	MaxWait time.Duration `default:"15m" validate:"gt=0"`
	// BackoffFactor multiplies the delay after every poll.
	BackoffFactor float64 `default:"1.5" validate:"gte=1"`
}

// NextDelay returns the delay after the given zero-based poll attempt,
// capped at MaxWait.
func (p PollPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.Interval) * math.Pow(p.BackoffFactor, float64(attempt))
	if delay > float64(p.MaxWait) {
		return p.MaxWait
	}
	return time.Duration(delay)
}

// ExecutionError carries the offending statement and the remote error
// message, or the transport error that prevented a verdict.
type ExecutionError struct {
	Statement string
	Message   string
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("error executing SQL statement: %s: %s", e.Statement, e.Message)
	}
	return fmt.Sprintf("error executing SQL statement: %s: %v", e.Statement, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Executor submits statements and owns their execution handles until a
// terminal status is reached. It is not safe to assume idempotence:
// re-executing the same statement resubmits it.
type Executor struct {
	api    API
	target Target
	policy PollPolicy
}

// NewExecutor validates the target and fills in policy defaults for fields
// left at their zero value.
func NewExecutor(api API, target Target, policy PollPolicy) (*Executor, error) {
	if err := defaults.Set(&policy); err != nil {
		return nil, err
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(target); err != nil {
		return nil, err
	}
	if err := validate.Struct(policy); err != nil {
		return nil, err
	}
	return &Executor{api: api, target: target, policy: policy}, nil
}

// Execute submits the statement, polls until it reaches a terminal status and
// returns the concatenated result pages, nil when the statement produces no
// result set. The context is checked on every poll iteration.
func (e *Executor) Execute(ctx context.Context, sql string) ([][]types.Field, error) {
	submitted, err := e.api.ExecuteStatement(ctx, &redshiftdata.ExecuteStatementInput{
		ClusterIdentifier: aws.String(e.target.ClusterIdentifier),
		Database:          aws.String(e.target.Database),
		SecretArn:         aws.String(e.target.SecretARN),
		Sql:               aws.String(sql),
	})
	if err != nil {
		return nil, &ExecutionError{Statement: sql, Err: err}
	}

	desc, err := e.waitForStatement(ctx, submitted.Id, sql)
	if err != nil {
		return nil, err
	}

	if !aws.ToBool(desc.HasResultSet) {
		return nil, nil
	}
	return e.fetchResult(ctx, submitted.Id, sql)
}

func (e *Executor) waitForStatement(ctx context.Context, id *string, sql string) (*redshiftdata.DescribeStatementOutput, error) {
	deadline := time.Now().Add(e.policy.MaxWait)
	for attempt := 0; ; attempt++ {
		desc, err := e.api.DescribeStatement(ctx, &redshiftdata.DescribeStatementInput{Id: id})
		if err != nil {
			return nil, &ExecutionError{Statement: sql, Err: err}
		}
		switch desc.Status {
		case types.StatusStringFinished:
			return desc, nil
		case types.StatusStringFailed, types.StatusStringAborted:
			return nil, &ExecutionError{Statement: sql, Message: aws.ToString(desc.Error)}
		}

		delay := e.policy.NextDelay(attempt)
		if time.Now().Add(delay).After(deadline) {
			return nil, &ExecutionError{Statement: sql, Err: fmt.Errorf("%w within %s", ErrMaxWaitExceeded, e.policy.MaxWait)}
		}
		select {
		case <-ctx.Done():
			return nil, &ExecutionError{Statement: sql, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
}

func (e *Executor) fetchResult(ctx context.Context, id *string, sql string) ([][]types.Field, error) {
	var rows [][]types.Field
	var token *string
	for {
		page, err := e.api.GetStatementResult(ctx, &redshiftdata.GetStatementResultInput{Id: id, NextToken: token})
		if err != nil {
			return nil, &ExecutionError{Statement: sql, Err: err}
		}
		rows = append(rows, page.Records...)
		if aws.ToString(page.NextToken) == "" {
			return rows, nil
		}
		token = page.NextToken
	}
}
