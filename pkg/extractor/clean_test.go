package extractor

import (
	"reflect"
	"testing"
)

func TestCleanText(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"simple tag", "<b>hello</b>", "hello"},
		{"nested tags", "<div><p>foo <span>bar</span></p></div>", "foo bar"},
		{"script dropped", "<script>alert('x')</script>text", "text"},
		{"style dropped", "<style>.a{color:red}</style>text", "text"},
		{"adjacent blocks", "<h1>Title</h1><p>Body text here.</p>", "Title Body text here."},
		{"line break", "line1<br/>line2", "line1 line2"},
		{"entities", "Tom &amp; Jerry", "Tom & Jerry"},
		{"apostrophe survives", "don't stop", "don't stop"},
		{"emoji", "hello 😀 world", "hello world"},
		{"heart with selector", "I ❤️ Go", "I Go"},
		{"flag", "🇹🇷 Turkey", "Turkey"},
		{"fullwidth", "ｈｅｌｌｏ　ｗｏｒｌｄ", "hello world"},
		{"ligature", "ﬁne", "fine"},
		{"control chars", "a\x00b\x07c", "abc"},
		{"whitespace", "  a \n\t b  ", "a b"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanText(tc.input); got != tc.want {
				t.Errorf("CleanText(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestCacheKeyFoldsCase(t *testing.T) {
	if CacheKey("<b>Hello</b>  World") != CacheKey("hello world") {
		t.Fatal("cache keys differ for equivalent text")
	}
}

func TestWords(t *testing.T) {
	got := words("I don't know, 'really' -- 42 times!")
	want := []string{"i", "don't", "know", "really", "42", "times"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("words = %v, want %v", got, want)
	}
}
