package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var prose = strings.Repeat("Argus reads the page and keeps what matters. ", 12)

func TestClassifySuggestedFormat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		html string
		want Format
	}{
		{
			name: "table only",
			html: `<html><body><table><tr><td>1</td><td>2</td></tr></table></body></html>`,
			want: XLSX,
		},
		{
			name: "prose only",
			html: `<html><body><p>` + prose[:500] + `</p></body></html>`,
			want: Markdown,
		},
		{
			name: "prose and table",
			html: `<html><body><p>` + prose + `</p><table><tr><td>x</td></tr></table></body></html>`,
			want: Both,
		},
		{
			name: "image gallery",
			html: `<html><body><img src="a.jpg"><img src="b.jpg"></body></html>`,
			want: HTML,
		},
		{
			name: "empty page",
			html: ``,
			want: Markdown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Classify(tc.html).SuggestedFormat)
		})
	}
}

func TestClassifyFeatureFlags(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>t</title><style>body{}</style></head><body>
<h2>Heading</h2>
<ul><li>one</li></ul>
<pre><code>fmt.Println()</code></pre>
<iframe src="https://www.youtube.com/embed/abc"></iframe>
<a href="/a">a</a><a href="/b">b</a><a name="anchor">no href</a>
<script>var hidden = "` + prose + `";</script>
</body></html>`

	f := Classify(html)
	assert.True(t, f.HasHeadings)
	assert.True(t, f.HasLists)
	assert.True(t, f.HasCode)
	assert.True(t, f.HasVideos)
	assert.True(t, f.StructuredContent)
	assert.False(t, f.HasTables)
	assert.False(t, f.HasImages)
	assert.Equal(t, 2, f.LinkCount)
	assert.False(t, f.HasText, "script contents are not visible text")
}

func TestTextThresholdCountsCharacters(t *testing.T) {
	t.Parallel()

	exactly := strings.Repeat("字", textThreshold)
	assert.False(t, Classify(`<body>`+exactly+`</body>`).HasText)
	assert.True(t, Classify(`<body>`+exactly+`!</body>`).HasText)
	assert.Equal(t, textThreshold, Classify(`<body>  `+exactly+`  </body>`).TotalLength)
}

func TestResolveFormats(t *testing.T) {
	t.Parallel()

	text := Features{HasText: true}
	tables := Features{HasTables: true}
	both := Features{HasText: true, HasTables: true}
	bare := Features{HasImages: true}

	assert.Equal(t, []Format{Markdown}, ResolveFormats(ModeAuto, text))
	assert.Equal(t, []Format{XLSX}, ResolveFormats(ModeAuto, tables))
	assert.Equal(t, []Format{Markdown, XLSX}, ResolveFormats(ModeAuto, both))
	assert.Equal(t, []Format{HTML}, ResolveFormats(ModeAuto, bare))
	assert.Equal(t, []Format{HTML}, ResolveFormats(ModeAuto, Features{}))

	assert.Equal(t, []Format{Markdown, XLSX}, ResolveFormats(ModeBoth, bare))
	assert.Equal(t, []Format{HTML}, ResolveFormats(ModeHTML, both))
	assert.Equal(t, []Format{Markdown}, ResolveFormats(ModeMarkdown, tables))
	assert.Equal(t, []Format{XLSX}, ResolveFormats(ModeXLSX, text))
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	m, err := ParseMode(" Markdown ")
	require.NoError(t, err)
	assert.Equal(t, ModeMarkdown, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, m)

	_, err = ParseMode("pdf")
	require.Error(t, err)
}

func TestFormatExt(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "md", Markdown.Ext())
	assert.Equal(t, "xlsx", XLSX.Ext())
	assert.Equal(t, "html", HTML.Ext())
}
