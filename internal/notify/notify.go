// Package notify publishes evidence alerts to pub/sub channels.
package notify

import (
	"context"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Alert is the payload subscribers receive once per evidence bundle.
type Alert struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	CameraID      string    `json:"camera_id,omitempty"`
	Reason        string    `json:"reason"`
	QualityScore  float64   `json:"quality_score"`
	FraudAttempts int       `json:"fraud_attempts"`
	FaceKey       string    `json:"face_key"`
	FullKey       string    `json:"full_key"`
	FaceURL       string    `json:"face_url,omitempty"`
	FullURL       string    `json:"full_url,omitempty"`
	Uploaded      bool      `json:"uploaded"`
	Timestamp     time.Time `json:"timestamp"`
}

// Encode renders the alert as JSON.
func (a Alert) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAlert parses a published payload.
func DecodeAlert(data []byte) (Alert, error) {
	var a Alert
	err := json.Unmarshal(data, &a)
	return a, err
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
	Close() error
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
