package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/accounts"
)

const maxBodyBytes = 80 << 20

var (
	errBadRequest = errors.New("bad request")

	accountIDRule = validation.Match(regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)).
			Error("must be 1-64 letters, digits, '-' or '_'")
	phoneRule = validation.Match(regexp.MustCompile(`^\+?[0-9 ()\-]{5,24}$`)).
			Error("must be a phone number")
)

type createAccountBody struct {
	ID             string `json:"id"`
	PhoneNumber    string `json:"phoneNumber"`
	WebhookURL     string `json:"webhookUrl"`
	UsePairingCode bool   `json:"usePairingCode"`
}

func (b createAccountBody) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.ID, accountIDRule),
		validation.Field(&b.PhoneNumber,
			validation.When(b.UsePairingCode, validation.Required.Error("is required for pairing code login")),
			phoneRule),
		validation.Field(&b.WebhookURL, is.RequestURL),
	)
}

func (b createAccountBody) request() accounts.CreateAccountRequest {
	return accounts.CreateAccountRequest{
		ID:             b.ID,
		PhoneNumber:    b.PhoneNumber,
		WebhookURL:     b.WebhookURL,
		UsePairingCode: b.UsePairingCode,
	}
}

type sendBody struct {
	To      string                  `json:"to"`
	Message accounts.MessageContent `json:"message"`
}

func (b sendBody) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.To, validation.Required),
		validation.Field(&b.Message),
	)
}

// bind decodes a JSON body into v and validates it. An empty body decodes as {}.
func bind(r *http.Request, v validation.Validatable) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	return v.Validate()
}
