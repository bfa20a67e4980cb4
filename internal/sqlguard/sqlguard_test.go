package sqlguard

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidator_Accepts(t *testing.T) {
	v := New(DefaultPolicy())

	for _, sql := range []string{
		"SELECT COUNT(*) FROM videos",
		"  select count(*) from videos  ",
		"SELECT COUNT(*) FROM videos WHERE creator_id = 'abc'",
		"SELECT COUNT(*) FROM videos WHERE views_count > 100000",
		"SELECT COALESCE(SUM(delta_views_count),0) FROM video_snapshots WHERE date(created_at) = '2025-11-28'",
		"SELECT COUNT(DISTINCT video_id) FROM video_snapshots WHERE delta_views_count > 0 AND date(created_at) = '2025-11-27'",
		"SELECT COALESCE(SUM(views_count),0) FROM videos WHERE EXTRACT(MONTH FROM video_created_at) = 6 AND EXTRACT(YEAR FROM video_created_at) = 2025",
		"SELECT COUNT(*) FROM videos v JOIN video_snapshots s ON s.video_id = v.id WHERE s.delta_likes_count > 10",
		"SELECT MAX(views_count) FROM videos WHERE creator_id = 'x'",
		"SELECT AVG(likes_count)::int FROM videos WHERE video_created_at BETWEEN '2025-06-01' AND '2025-07-01'",
		"SELECT COUNT(*) FROM videos WHERE id IN (SELECT video_id FROM video_snapshots WHERE delta_reports_count > 0)",
		"SELECT COUNT(*) FROM videos WHERE creator_id IN ('a', 'b') AND reports_count IS NOT NULL",
		"SELECT SUM(CASE WHEN views_count > 10 THEN 1 ELSE 0 END) FROM videos",
		"SELECT COUNT(*) FROM video_snapshots WHERE created_at >= now() - interval '1 day'",
		"SELECT COUNT(*) FROM videos ORDER BY 1 LIMIT 1",
		"SELECT COUNT(*) FROM videos WHERE lower(creator_id) = 'abc'",
		"SELECT COUNT(*) FROM videos WHERE to_char(video_created_at, 'YYYY-MM') = '2025-06'",
		"SELECT COUNT(*) FROM videos WHERE length(creator_id) > 3",
		"SELECT COUNT(*) FROM videos WHERE creator_id = ANY(ARRAY['a', 'b'])",
		"SELECT COUNT(*) FROM videos WHERE upper(trim(creator_id)) = 'ABC'",
	} {
		require.NoError(t, v.Check(sql), sql)
		require.True(t, v.Allowed(sql), sql)
	}
}

func TestValidator_RejectsStatementSeparator(t *testing.T) {
	v := New(DefaultPolicy())

	for _, sql := range []string{
		"SELECT COUNT(*) FROM videos;",
		"SELECT COUNT(*) FROM videos; SELECT 1 FROM videos",
		"SELECT COUNT(*) FROM videos WHERE creator_id = ';'",
		"SELECT COUNT(*) FROM videos; DROP TABLE videos",
	} {
		err := v.Check(sql)
		require.ErrorIs(t, err, ErrMultiStatement, sql)
	}
}

func TestValidator_Rejects(t *testing.T) {
	v := New(DefaultPolicy())

	tests := []struct {
		name string
		sql  string
		want error
	}{
		{"empty", "", ErrNotSelect},
		{"delete", "DELETE FROM videos", ErrNotSelect},
		{"with cte", "WITH x AS (SELECT 1) SELECT COUNT(*) FROM videos", ErrNotSelect},
		{"unknown table", "SELECT COUNT(*) FROM users", ErrTableNotAllowed},
		{"unknown join", "SELECT COUNT(*) FROM videos JOIN users ON users.id = videos.creator_id", ErrTableNotAllowed},
		{"no from", "SELECT 1", ErrNoTables},
		{"forbidden keyword inside select", "SELECT COUNT(*) FROM videos WHERE creator_id = 'drop table'", ErrForbiddenKeyword},
		{"update keyword", "select * from videos for update of videos", ErrForbiddenKeyword},
		{"schema qualified outside allow set", "SELECT COUNT(*) FROM pg_catalog.pg_user", ErrTableNotAllowed},
		{"subquery on other table after where", "SELECT COUNT(*) FROM videos WHERE creator_id IN (SELECT usename FROM pg_user)", ErrTableNotAllowed},
		{"select into", "SELECT COUNT(*) INTO stolen FROM videos", ErrStructure},
		{"locking", "SELECT id FROM videos FOR SHARE", ErrStructure},
		{"function not allowed", "SELECT pg_sleep(10) FROM videos", ErrFunctionNotAllowed},
		{"qualified function", "SELECT pg_catalog.pg_sleep(10) FROM videos", ErrFunctionNotAllowed},
		{"file read", "SELECT length(pg_read_file('/etc/passwd')) FROM videos", ErrFunctionNotAllowed},
		{"setting read", "SELECT COUNT(*) FROM videos WHERE current_setting('is_superuser') = 'on'", ErrFunctionNotAllowed},
		{"large object", "SELECT lo_import('/etc/passwd') FROM videos", ErrFunctionNotAllowed},
		{"denied inside array", "SELECT COUNT(*) FROM videos WHERE id = ANY(ARRAY[pg_backend_pid()::text])", ErrFunctionNotAllowed},
		{"window", "SELECT COUNT(*) OVER () FROM videos", ErrStructure},
		{"parse error", "SELECT COUNT(* FROM videos", ErrParse},
		{"table function", "SELECT COUNT(*) FROM videos, generate_series(1, 10) g", ErrStructure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Check(tt.sql)
			require.ErrorIs(t, err, tt.want)
			require.False(t, v.Allowed(tt.sql))

			var rejectErr *RejectError
			require.ErrorAs(t, err, &rejectErr)
		})
	}
}

func TestValidator_DestructiveStatementsAlwaysRejected(t *testing.T) {
	v := New(DefaultPolicy())

	for _, sql := range []string{
		"DELETE FROM videos",
		"DROP TABLE videos",
		"TRUNCATE videos",
		"SELECT 1 FROM videos WHERE 1=1; DELETE FROM videos",
		"select count(*) from videos where id in (select id from videos) and 'x' = 'delete from videos'",
		"UPDATE videos SET views_count = 0",
		"INSERT INTO videos (id) VALUES ('x')",
		"ALTER TABLE videos DROP COLUMN views_count",
		"GRANT ALL ON videos TO public",
	} {
		require.False(t, v.Allowed(sql), sql)
	}
}

func TestReferencedTables(t *testing.T) {
	tests := []struct {
		sql  string
		want []string
	}{
		{"select count(*) from videos", []string{"videos"}},
		{"select count(*) from videos v join video_snapshots s on s.video_id = v.id", []string{"videos", "video_snapshots"}},
		{"select count(*) from videos where id in (select video_id from users)", []string{"videos"}},
		{"select count(*) from videos group by creator_id", []string{"videos"}},
		{"select count(*) from videos order by 1", []string{"videos"}},
		{"select 1", nil},
		{"select count(*) from public.videos", []string{"public"}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ReferencedTables(tt.sql), tt.sql)
	}
}

func TestReason(t *testing.T) {
	v := New(DefaultPolicy())
	require.Equal(t, "table_not_allowed", Reason(v.Check("SELECT COUNT(*) FROM users")))
	require.Equal(t, "multi_statement", Reason(v.Check("SELECT 1 FROM videos;")))
	require.Equal(t, "not_select", Reason(v.Check("drop table videos")))
	require.Equal(t, "", Reason(nil))
}
