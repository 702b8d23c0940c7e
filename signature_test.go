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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gatherpay/gatherpay/internal/apierror"
)

// signHeader builds a Stripe-Signature header for a payload: the HMAC-SHA256
// of "<timestamp>.<payload>" under the given secret.
func signHeader(ts time.Time, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

var signedEventBody = []byte(`{"id": "evt_sig_1", "type": "charge.succeeded", "data": {"object": {"id": "ch_1"}}}`)

func TestVerifyNotification_ValidSignature(t *testing.T) {
	header := signHeader(time.Now(), signedEventBody, "whsec_a")

	event, index, err := VerifyNotification(signedEventBody, header, []string{"whsec_a"}, 5*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 0, index)
	assert.Equal(t, "evt_sig_1", event.ID)
	assert.Equal(t, "charge.succeeded", string(event.Type))
}

func TestVerifyNotification_RotationMatchesSecondSecret(t *testing.T) {
	// Delivery signed with the old secret while the new one sits first in the
	// rotation list.
	header := signHeader(time.Now(), signedEventBody, "whsec_old")

	event, index, err := VerifyNotification(signedEventBody, header, []string{"whsec_new", "whsec_old"}, 5*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Equal(t, "evt_sig_1", event.ID)
}

func TestVerifyNotification_StaleTimestampRejected(t *testing.T) {
	header := signHeader(time.Now().Add(-time.Hour), signedEventBody, "whsec_a")

	_, index, err := VerifyNotification(signedEventBody, header, []string{"whsec_a"}, 5*time.Minute)
	assert.Error(t, err)
	assert.Equal(t, -1, index)
	assert.Equal(t, apierror.ErrInvalidSignature, apierror.Code(err))
}

func TestVerifyNotification_WrongSecret(t *testing.T) {
	header := signHeader(time.Now(), signedEventBody, "whsec_other")

	_, _, err := VerifyNotification(signedEventBody, header, []string{"whsec_a", "whsec_b"}, 5*time.Minute)
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrInvalidSignature, apierror.Code(err))
}

func TestVerifyNotification_MissingHeader(t *testing.T) {
	_, _, err := VerifyNotification(signedEventBody, "", []string{"whsec_a"}, 5*time.Minute)
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrInvalidSignature, apierror.Code(err))
}

func TestVerifyNotification_NoSecretsConfigured(t *testing.T) {
	header := signHeader(time.Now(), signedEventBody, "whsec_a")

	_, _, err := VerifyNotification(signedEventBody, header, nil, 5*time.Minute)
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrInvalidSignature, apierror.Code(err))
}
