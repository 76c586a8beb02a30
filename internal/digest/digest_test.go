package digest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digestbot/internal/news"
)

var msk = time.FixedZone("MSK", 3*3600)

func sample() []news.Entry {
	pub := time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC)
	return []news.Entry{
		{Title: "A1", Link: "https://a/1", Source: "Лента", Summary: "first", Published: pub},
		{Title: "B1", Link: "https://b/1", Source: "RT", Summary: "second"},
		{Title: "A2", Link: "https://a/2", Source: "Лента", Summary: "third"},
		{Title: "C1", Link: "https://c/1", Source: "Mail", Summary: "fourth"},
	}
}

func TestRenderGroupsInFirstSeenOrder(t *testing.T) {
	t.Parallel()

	f := NewFormatter(msk)
	ts := time.Date(2024, 5, 1, 5, 3, 0, 0, time.UTC)
	out := f.Render(sample(), ts)

	require.True(t, strings.HasPrefix(out, "📰 <b>НОВОСТИ НА 01.05.2024 08:03 (MSK)</b>\n\n"), out)
	iL := strings.Index(out, "🗞 <b>Лента</b> (2)")
	iR := strings.Index(out, "🗞 <b>RT</b> (1)")
	iM := strings.Index(out, "🗞 <b>Mail</b> (1)")
	require.True(t, iL > 0 && iR > iL && iM > iR, "group order: %d %d %d", iL, iR, iM)
	assert.Less(t, strings.Index(out, "A2"), iR, "A2 belongs to the first group")

	assert.Equal(t, 2, strings.Count(out, Separator))
	assert.False(t, strings.HasSuffix(out, Separator))
	assert.Contains(t, out, "📰 <b>A1</b> (01.05.2024 10:30)\nfirst\n🔗 <a href=\"https://a/1\">Читать полностью</a>")
	assert.Contains(t, out, "📰 <b>B1</b>\nsecond\n")

	assert.Equal(t, out, f.Render(sample(), ts), "rendering is deterministic")
}

func TestRenderSingleGroupHasNoSeparator(t *testing.T) {
	t.Parallel()

	out := NewFormatter(msk).Render([]news.Entry{{Title: "x", Source: "s"}}, time.Now())
	assert.NotContains(t, out, Separator)
	assert.NotContains(t, out, "🔗", "no link line without a link")
}

func TestRenderEmpty(t *testing.T) {
	t.Parallel()

	f := NewFormatter(msk)
	assert.Equal(t, NoNews, f.Render(nil, time.Now()))
	assert.Equal(t, NoNews+"\n\n"+PartialNotice, f.Compose(nil, time.Now(), true, KindOnDemand))
}

func TestRenderEscapes(t *testing.T) {
	t.Parallel()

	out := NewFormatter(msk).Render([]news.Entry{{
		Title:   "1 < 2 & <script>",
		Source:  "<Evil>",
		Summary: "<b>bold</b> &amp; more",
		Link:    `https://e.com/?a=1&b="2"`,
	}}, time.Now())
	assert.Contains(t, out, "<b>1 &lt; 2 &amp; &lt;script&gt;</b>")
	assert.Contains(t, out, "<b>&lt;Evil&gt;</b>")
	assert.Contains(t, out, "\nbold &amp; more\n")
	assert.Contains(t, out, `href="https://e.com/?a=1&amp;b=&#34;2&#34;"`)
	assert.NotContains(t, out, "<script>")
}

func TestRenderTruncatesSummary(t *testing.T) {
	t.Parallel()

	out := NewFormatter(msk, WithSummaryLimit(10)).Render([]news.Entry{{Title: "t", Source: "s", Summary: strings.Repeat("я", 40)}}, time.Now())
	assert.Contains(t, out, "\nяяяяяяя...\n")
}

func TestComposeHeaderUsesZoneLabel(t *testing.T) {
	t.Parallel()

	f := NewFormatter(time.UTC, WithZoneLabel("UTC"))
	ts := time.Date(2024, 5, 1, 5, 0, 0, 0, time.UTC)
	out := f.Compose(sample(), ts, false, KindScheduled)
	assert.True(t, strings.HasPrefix(out, "🗞 <b>Ежедневная рассылка новостей на 01.05.2024 05:00 (UTC):</b>"), out)
	assert.Contains(t, out, "НОВОСТИ НА 01.05.2024 05:00 (UTC)")
	assert.NotContains(t, out, "МСК")
}

func TestComposePartialNotice(t *testing.T) {
	t.Parallel()

	f := NewFormatter(msk)
	ts := time.Date(2024, 5, 1, 5, 0, 0, 0, time.UTC)

	withErr := f.Compose(sample(), ts, true, KindScheduled)
	assert.True(t, strings.HasPrefix(withErr, "🗞 <b>Ежедневная рассылка новостей на 01.05.2024 08:00 (MSK):</b>\n\n📰 "), withErr)
	assert.Contains(t, withErr, PartialNotice)
	assert.True(t, strings.HasSuffix(withErr, "\n\n"+Footer))

	clean := f.Compose(sample(), ts, false, KindScheduled)
	assert.NotContains(t, clean, PartialNotice)

	manual := f.Compose(sample(), ts, false, KindManual)
	assert.True(t, strings.HasPrefix(manual, "🗞 <b>Свежие новости на 01.05.2024 08:00:</b>"))

	onDemand := f.Compose(sample(), ts, false, KindOnDemand)
	assert.True(t, strings.HasPrefix(onDemand, "📰 <b>НОВОСТИ НА"))
	assert.NotContains(t, onDemand, Footer)
}

func TestZoneLabel(t *testing.T) {
	t.Parallel()

	out := NewFormatter(msk, WithZoneLabel("по Москве")).Render(sample(), time.Now())
	assert.Contains(t, out, "(по Москве)</b>")
	assert.Equal(t, "on_demand", KindOnDemand.String())
}
