package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckoutMode(t *testing.T) {
	assert.Equal(t, ModeSubscription, CheckoutMode(IntervalMonthly))
	assert.Equal(t, ModeSubscription, CheckoutMode(IntervalYearly))
	assert.Equal(t, ModePayment, CheckoutMode(IntervalOneTime))
	assert.Equal(t, ModePayment, CheckoutMode(IntervalLifetime))
}

func TestValidateSlug(t *testing.T) {
	valid := []string{"pro", "pro-2026", "team_plan", "a1"}
	for _, slug := range valid {
		assert.NoError(t, ValidateSlug(slug), slug)
	}

	invalid := []string{"", "Pro", "pro plan", "pro.plan", "plan!"}
	for _, slug := range invalid {
		assert.Error(t, ValidateSlug(slug), slug)
	}
}
