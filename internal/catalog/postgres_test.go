package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/directorybolt/submitd/internal/pipeline"
)

func directoryColumns() []string {
	return []string{
		"id", "name", "url", "submission_url", "category", "domain_authority",
		"traffic_potential", "difficulty", "priority", "requires_login", "has_captcha",
		"captcha_type", "form_mapping", "form_field_count", "anti_bot_level", "success_rate",
		"discovery_method", "last_verified_at",
	}
}

func TestListDirectoriesScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo, err := NewPostgresRepositoryWithPool(mock, "directories")
	require.NoError(t, err)

	verified := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows(directoryColumns()).
		AddRow("yelp", "Yelp", "https://yelp.com", "https://biz.yelp.com", "review-platform",
			93, 50000, "hard", "high", false, true,
			"recaptcha_v2", []byte(nil), 9, 2, 0.72,
			"catalog", verified)

	mock.ExpectQuery("SELECT id, name, url").
		WithArgs(50, "review-platform").
		WillReturnRows(rows)

	got, err := repo.ListDirectories(context.Background(), pipeline.DiscoveryCriteria{
		Industry:           "review-platform",
		MinDomainAuthority: 50,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "yelp", got[0].ID)
	require.Equal(t, pipeline.CaptchaRecaptchaV2, got[0].CaptchaType)
	require.Equal(t, pipeline.DiscoveryCatalog, got[0].DiscoveryMethod)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDirectoryWritesMapping(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo, err := NewPostgresRepositoryWithPool(mock, "directories")
	require.NoError(t, err)

	d := pipeline.DirectoryRecord{
		ID:              "biz-list",
		Name:            "Biz List",
		URL:             "https://bizlist.example",
		SubmissionURL:   "https://bizlist.example/add",
		Category:        "general-directory",
		DomainAuthority: 41,
		DiscoveryMethod: pipeline.DiscoveryDynamic,
		FormMapping: &pipeline.FormFieldMapping{
			Confidence: 0.9,
			Fields: map[string]pipeline.FieldMapping{
				pipeline.FieldBusinessName: {
					SelectorCandidates: []string{"input[name='company_name']"},
					Confidence:         0.95,
					Source:             pipeline.SourcePattern,
				},
			},
		},
	}

	mock.ExpectExec("INSERT INTO directories").
		WithArgs(
			d.ID, d.Name, d.URL, d.SubmissionURL, d.Category, d.DomainAuthority,
			d.TrafficPotential, d.Difficulty, d.Priority, d.RequiresLogin, d.HasCaptcha,
			"", pgxmock.AnyArg(), d.FormFieldCount, d.AntiBotLevel, d.SuccessRate,
			"dynamic", d.LastVerifiedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.UpsertDirectory(context.Background(), d))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostgresRepositoryRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPostgresRepositoryWithPool(mock, "bad;table")
	require.Error(t, err)
}
