package broker

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Run1e/STRIKER-sub000/internal/msg"
)

func TestSettleCommand(t *testing.T) {
	t.Parallel()

	errorEvent := func(orig msg.Message, reason string) msg.Message {
		return &msg.RecorderFailure{Reason: reason}
	}

	tests := []struct {
		name        string
		err         error
		spec        msg.ConsumeSpec
		redelivered bool
		want        settlement
	}{
		{
			name: "success acks",
			want: settleAck,
		},
		{
			name: "domain error with error event",
			err:  msg.Domainf("no such round"),
			spec: msg.ConsumeSpec{ErrorEvent: errorEvent},
			want: settleErrorEvent,
		},
		{
			name: "domain error without error event requeues once",
			err:  msg.Domainf("no such round"),
			spec: msg.ConsumeSpec{Requeue: true},
			want: settleRequeue,
		},
		{
			name: "infrastructure error requeues once",
			err:  errors.New("connection refused"),
			spec: msg.ConsumeSpec{ErrorEvent: errorEvent, Requeue: true},
			want: settleRequeue,
		},
		{
			name:        "redelivered infrastructure error publishes error event",
			err:         errors.New("connection refused"),
			spec:        msg.ConsumeSpec{ErrorEvent: errorEvent, Requeue: true},
			redelivered: true,
			want:        settleErrorEvent,
		},
		{
			name: "infrastructure error without requeue publishes error event",
			err:  errors.New("connection refused"),
			spec: msg.ConsumeSpec{ErrorEvent: errorEvent},
			want: settleErrorEvent,
		},
		{
			name: "error without spec drops",
			err:  errors.New("connection refused"),
			want: settleDrop,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := settleCommand(tc.err, tc.spec, tc.redelivered); got != tc.want {
				t.Fatalf("settleCommand() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDeathReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers amqp.Table
		want    string
	}{
		{
			name:    "expired",
			headers: amqp.Table{"x-first-death-reason": "expired"},
			want:    "The service request timed out.",
		},
		{
			name:    "rejected",
			headers: amqp.Table{"x-first-death-reason": "rejected"},
			want:    "The service was unable to fulfill the request.",
		},
		{
			name:    "missing header",
			headers: amqp.Table{},
			want:    "A service error occurred.",
		},
		{
			name: "nil headers",
			want: "A service error occurred.",
		},
		{
			name:    "unexpected type",
			headers: amqp.Table{"x-first-death-reason": 7},
			want:    "A service error occurred.",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := deathReason(tc.headers); got != tc.want {
				t.Fatalf("deathReason() = %q, want %q", got, tc.want)
			}
		})
	}
}
