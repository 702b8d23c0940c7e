/*
Copyright 2025 Gatherpay Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gatherpay

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/gatherpay/gatherpay/internal/apierror"
)

// VerifyNotification authenticates a raw webhook delivery against an ordered
// list of signing secrets and parses it into a processor event. Secrets are
// tried in order and the first HMAC match wins, which is what makes secret
// rotation zero-downtime: prepend the new secret while deliveries signed with
// the old one drain. The embedded timestamp must be within tolerance, which
// bounds replay of captured deliveries.
//
// Returns the parsed event and the index of the secret that matched, or a
// structured INVALID_SIGNATURE error. Signature failures are terminal at the
// transport boundary and never retried.
func VerifyNotification(payload []byte, sigHeader string, secrets []string, tolerance time.Duration) (*stripe.Event, int, error) {
	if sigHeader == "" {
		return nil, -1, apierror.NewAPIError(apierror.ErrInvalidSignature, "missing signature header", nil)
	}
	if len(secrets) == 0 {
		return nil, -1, apierror.NewAPIError(apierror.ErrInvalidSignature, "no webhook secrets configured", nil)
	}

	var lastErr error
	for i, secret := range secrets {
		event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
			Tolerance:                tolerance,
			IgnoreAPIVersionMismatch: true,
		})
		if err == nil {
			// The matched index is logged so an operator can tell when the old
			// secret stops being exercised and can be dropped.
			logrus.WithFields(logrus.Fields{
				"event_id":     event.ID,
				"event_type":   event.Type,
				"secret_index": i,
			}).Info("webhook signature verified")
			return &event, i, nil
		}
		lastErr = err
	}

	return nil, -1, apierror.NewAPIError(apierror.ErrInvalidSignature, "signature did not match any configured secret", lastErr.Error())
}
