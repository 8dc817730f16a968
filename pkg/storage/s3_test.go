package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/trainhub/portal/config"
)

func TestQuestionImageKey(t *testing.T) {
	assert.Equal(t, "questions/abc/sign.png", QuestionImageKey("abc", "../../etc/sign.png"))
}

func TestValidateImageKey(t *testing.T) {
	assert.NoError(t, ValidateImageKey("questions/abc/sign.PNG"))
	assert.ErrorIs(t, ValidateImageKey(""), ErrInvalidKey)
	assert.ErrorIs(t, ValidateImageKey("questions/../secrets/a.png"), ErrInvalidKey)
	assert.ErrorIs(t, ValidateImageKey("other/a.png"), ErrInvalidKey)
	assert.ErrorIs(t, ValidateImageKey("questions/abc/a.exe"), ErrInvalidKey)
}

func TestSignImage(t *testing.T) {
	s, err := NewS3(context.Background(), appconfig.AWSConfig{
		Region:               "eu-west-1",
		AccessKeyID:          "AKIDEXAMPLE",
		SecretAccessKey:      "secret",
		QuestionImagesBucket: "trainhub-question-images",
		PresignExpireMinutes: 5,
	}, nil)
	require.NoError(t, err)

	url, err := s.SignImage(context.Background(), "questions/abc/sign.png")
	require.NoError(t, err)
	assert.Contains(t, url, "trainhub-question-images")
	assert.Contains(t, url, "questions/abc/sign.png")
	assert.Contains(t, url, "X-Amz-Signature=")
	assert.Contains(t, url, "X-Amz-Expires=300")

	_, err = s.SignImage(context.Background(), "nope.png")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
