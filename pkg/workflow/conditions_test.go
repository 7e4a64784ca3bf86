package workflow

import (
	"testing"
	"time"

	"github.com/dukex/leadflow/pkg/models"
	"github.com/dukex/leadflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionEvaluator_Engagement(t *testing.T) {
	enrolledAt := testutil.Day(10)
	before := testutil.Day(9)
	after := testutil.Day(11)

	enrollment := &models.Enrollment{EnrolledAt: enrolledAt, CurrentStepOrder: 2}

	tests := []struct {
		name      string
		condition models.ConditionType
		lead      *models.Lead
		want      bool
	}{
		{"opened after enrollment", models.ConditionEmailOpened, &models.Lead{LastOpenedAt: &after}, true},
		{"opened before enrollment", models.ConditionEmailOpened, &models.Lead{LastOpenedAt: &before}, false},
		{"never opened", models.ConditionEmailOpened, &models.Lead{}, false},
		{"clicked at enrollment", models.ConditionEmailClicked, &models.Lead{LastClickedAt: &enrolledAt}, true},
		{"replied", models.ConditionReplyReceived, &models.Lead{LastRepliedAt: &after}, true},
		{"old reply", models.ConditionReplyReceived, &models.Lead{LastRepliedAt: &before}, false},
		{"no response", models.ConditionNoResponse, &models.Lead{LastOpenedAt: &after}, true},
		{"responded", models.ConditionNoResponse, &models.Lead{LastRepliedAt: &after}, false},
	}

	evaluator := NewConditionEvaluator()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := testutil.ConditionStep(2, tt.condition, 0, 0)

			got, err := evaluator.Evaluate(step, tt.lead, enrollment, testutil.Day(12))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionEvaluator_Expression(t *testing.T) {
	contacted := testutil.Day(3)
	lead := &models.Lead{
		ContactStatus:   models.ContactStatusContacted,
		Company:         "Acme",
		EmailsSent:      2,
		LastContactedAt: &contacted,
	}
	enrollment := &models.Enrollment{EnrolledAt: testutil.Day(1), CurrentStepOrder: 3, Attempts: 1}

	evaluator := NewConditionEvaluator()

	cases := map[string]bool{
		`status == "contacted" && emails_sent >= 2`: true,
		`days_since_contact > 7`:                     false,
		`days_enrolled == 9 && step == 3`:            true,
		`company startsWith "Ac" and not replied`:    true,
		`attempts > 1`:                               false,
	}

	for expression, want := range cases {
		step := testutil.ConditionStep(3, models.ConditionExpression, 0, 0)
		step.Condition.Expression = expression

		got, err := evaluator.Evaluate(step, lead, enrollment, testutil.Day(10))
		require.NoError(t, err, expression)
		assert.Equal(t, want, got, expression)
	}

	assert.Len(t, evaluator.cache, len(cases))
}

func TestConditionEvaluator_InvalidExpressionIsTerminal(t *testing.T) {
	step := testutil.ConditionStep(1, models.ConditionExpression, 0, 0)
	step.Condition.Expression = `unknown_field > 1`

	_, err := NewConditionEvaluator().Evaluate(step, &models.Lead{}, &models.Enrollment{}, time.Now())
	require.ErrorIs(t, err, ErrInvalidExpression)
	assert.True(t, IsTerminal(err))
}

func TestValidateExpression(t *testing.T) {
	assert.NoError(t, ValidateExpression(`opened || clicked`))
	assert.ErrorIs(t, ValidateExpression(``), ErrInvalidExpression)
	assert.ErrorIs(t, ValidateExpression(`emails_sent + 1`), ErrInvalidExpression, "not a boolean")
	assert.ErrorIs(t, ValidateExpression(`status ==`), ErrInvalidExpression)
}

func TestConditionEnv_NeverContacted(t *testing.T) {
	env := ConditionEnv(&models.Lead{}, &models.Enrollment{EnrolledAt: testutil.Day0}, testutil.Day(2))

	assert.Equal(t, -1, env["days_since_contact"])
	assert.Equal(t, 2, env["days_enrolled"])
}
