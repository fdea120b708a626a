package consumer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedNotification marks a queue payload that can never be
// processed; the consumer acknowledges these immediately so they do not
// block the queue
var ErrMalformedNotification = errors.New("malformed notification")

// storageEvent is the storage-event notification shape: a list of
// records each naming an uploaded object
type storageEvent struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// snsEnvelope is the wrapper some notification fan-outs put around the
// storage event
type snsEnvelope struct {
	Message string `json:"Message"`
}

// ExtractManifestLocations parses a notification body and returns the
// object keys that look like manifest uploads. Keys arrive URL-encoded.
// Uploads that are not manifests yield an empty result, which the
// caller treats as nothing to do. Unparseable bodies return
// ErrMalformedNotification.
func ExtractManifestLocations(body []byte, manifestSuffix string) ([]string, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedNotification)
	}

	payload := body

	// Unwrap the envelope shape if present
	var envelope snsEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message != "" {
		payload = []byte(envelope.Message)
	}

	var event storageEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	var locations []string
	for _, record := range event.Records {
		rawKey := record.S3.Object.Key
		if rawKey == "" {
			continue
		}

		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, fmt.Errorf("%w: undecodable object key %q: %v", ErrMalformedNotification, rawKey, err)
		}

		if strings.HasSuffix(key, manifestSuffix) {
			locations = append(locations, key)
		}
	}

	return locations, nil
}
