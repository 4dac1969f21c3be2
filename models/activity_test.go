package models

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateComment(t *testing.T) {
	setupTestDB(t)
	ctx := utils.SetUserNameInContext(context.Background(), "Dana")
	issue := mustCreateIssue(t, &NewAuditIssue{})

	_, err := CreateComment(ctx, issue.ID, &NewComment{Body: "  "})
	assert.True(t, utils.IsBadRequest(err))

	_, err = CreateComment(ctx, "missing", &NewComment{Body: "hi"})
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)

	first, err := CreateComment(ctx, issue.ID, &NewComment{Body: "first"})
	require.NoError(t, err)
	assert.Equal(t, "Dana", first.Author)
	second, err := CreateComment(ctx, issue.ID, &NewComment{Body: "second", Author: "lee@corp.com"})
	require.NoError(t, err)

	feed, err := GetIssueActivities(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.Equal(t, second.ID, feed[0].ID)
	assert.Equal(t, ActivityKindComment, feed[1].Kind)
}
