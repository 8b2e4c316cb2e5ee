// Package sqs publishes outbox mutations as commands on an SQS queue.
//
// The queue only acknowledges receipt, so creates never echo the created
// record and the engine resolves their ids through reconciliation.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/imarsiglia/outboxsync"
	awssqs "github.com/imarsiglia/outboxsync/internal/lib/aws/sqs"
)

// API is the subset of the SQS client used by Publisher.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Command is the message body published for every mutation.
type Command struct {
	Op     outboxsync.Op     `json:"op"`
	Entity string            `json:"entity"`
	Scope  string            `json:"scope,omitempty"`
	ID     string            `json:"id,omitempty"`
	Body   *outboxsync.Body  `json:"body,omitempty"`
	SentAt time.Time         `json:"sentAt"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// Options configure a Publisher.
type Options struct {
	// FIFO sets a message group per entity and scope so commands for one list
	// are applied in order.
	FIFO bool
	Now  func() time.Time
}

// Publisher implements outboxsync.EntityService on top of SQS.
type Publisher struct {
	api      API
	queueURL string
	opts     Options
}

func NewPublisher(api API, queueURL string, opts Options) *Publisher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Publisher{api: api, queueURL: queueURL, opts: opts}
}

// Dial builds a Publisher backed by a real SQS client.
func Dial(ctx context.Context, cfg awssqs.Config, queueURL string, opts Options) (*Publisher, error) {
	client, err := awssqs.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewPublisher(client, queueURL, opts), nil
}

func (p *Publisher) CreateEntity(ctx context.Context, req outboxsync.CreateRequest) (outboxsync.CreateResult, error) {
	body := req.Body
	err := p.send(ctx, Command{
		Op:     outboxsync.OpCreate,
		Entity: req.Entity,
		Scope:  req.Scope,
		Body:   &body,
		Meta:   req.Meta,
	})
	if err != nil {
		return outboxsync.CreateResult{}, err
	}
	return outboxsync.CreateResult{Acknowledged: true}, nil
}

func (p *Publisher) UpdateEntity(ctx context.Context, req outboxsync.UpdateRequest) error {
	if req.ID == "" {
		return fmt.Errorf("sqs: update %s without id: %w", req.Entity, outboxsync.ErrRejected)
	}
	body := req.Body
	return p.send(ctx, Command{
		Op:     outboxsync.OpUpdate,
		Entity: req.Entity,
		ID:     string(req.ID),
		Body:   &body,
		Meta:   req.Meta,
	})
}

func (p *Publisher) DeleteEntity(ctx context.Context, req outboxsync.DeleteRequest) error {
	if req.ID == "" {
		return fmt.Errorf("sqs: delete %s without id: %w", req.Entity, outboxsync.ErrRejected)
	}
	return p.send(ctx, Command{
		Op:     outboxsync.OpDelete,
		Entity: req.Entity,
		ID:     string(req.ID),
		Meta:   req.Meta,
	})
}

func (p *Publisher) QueryKey(entity, scope string) outboxsync.CacheKey {
	return outboxsync.CacheKey{Entity: entity, Scope: scope}
}

func (p *Publisher) send(ctx context.Context, cmd Command) error {
	cmd.SentAt = p.opts.Now().UTC()
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("sqs: encode %s %s: %w", cmd.Op, cmd.Entity, outboxsync.ErrRejected)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"op":     stringAttr(string(cmd.Op)),
			"entity": stringAttr(cmd.Entity),
		},
	}
	if p.opts.FIFO {
		input.MessageGroupId = aws.String(p.QueryKey(cmd.Entity, cmd.Scope).String())
	}

	if _, err := p.api.SendMessage(ctx, input); err != nil {
		return classify(cmd, err)
	}
	return nil
}

func classify(cmd Command, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient {
		return fmt.Errorf("sqs: %s %s: %s: %w", cmd.Op, cmd.Entity, apiErr.ErrorCode(), errors.Join(outboxsync.ErrRejected, err))
	}
	return fmt.Errorf("sqs: %s %s: %w", cmd.Op, cmd.Entity, errors.Join(outboxsync.ErrNetwork, err))
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

var _ outboxsync.EntityService = (*Publisher)(nil)
