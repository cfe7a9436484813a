package migration

import (
	"strings"
	"testing"

	"github.com/hydrogen-dev/hydrogen/internal/dberrors"
	"github.com/hydrogen-dev/hydrogen/internal/engine"
)

func TestMacroExpansionResolvesEngineThenCommonThenEnv(t *testing.T) {
	m := NewMacros()
	m.SetEngineMacro(engine.Postgres, "ID_TYPE", "BIGSERIAL")
	m.SetCommonMacro("SCHEMA", "hydrogen")
	t.Setenv("HYDROGEN_TEST_SUFFIX", "_v2")

	out, err := m.Expand(engine.Postgres, "CREATE TABLE ${SCHEMA}.jobs${HYDROGEN_TEST_SUFFIX} (id ${ID_TYPE})")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	want := "CREATE TABLE hydrogen.jobs_v2 (id BIGSERIAL)"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestMacroExpansionEngineTableShadowsCommon(t *testing.T) {
	m := NewMacros()
	m.SetCommonMacro("ID_TYPE", "INTEGER")
	m.SetEngineMacro(engine.MySQL, "ID_TYPE", "INT UNSIGNED")

	out, err := m.Expand(engine.MySQL, "${ID_TYPE}")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if out != "INT UNSIGNED" {
		t.Fatalf("got %q, want engine table to win", out)
	}
}

func TestMacroExpansionResolvesNestedMacros(t *testing.T) {
	m := NewMacros()
	m.SetCommonMacro("OUTER", "${INNER}_suffix")
	m.SetCommonMacro("INNER", "resolved")

	out, err := m.Expand(engine.SQLite, "${OUTER}")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if out != "resolved_suffix" {
		t.Fatalf("got %q, want nested macro fully resolved", out)
	}
}

func TestMacroExpansionUnresolvedAfterFivePasses(t *testing.T) {
	m := NewMacros()
	_, err := m.Expand(engine.Postgres, "SELECT ${NOPE}")
	if !dberrors.IsUnresolvedMacro(err) {
		t.Fatalf("err = %v, want ErrUnresolvedMacro", err)
	}
}

func TestDefaultMacrosRenderPerEngineDialect(t *testing.T) {
	te := NewTemplateEngine()
	tmpl := "CREATE TABLE ${SCHEMA}jobs (id ${ID_TYPE}); SELECT id FROM ${SCHEMA}jobs WHERE id = ${BIND_1}"

	cases := []struct {
		tag     engine.Tag
		idType  string
		bindOne string
	}{
		{engine.Postgres, "BIGSERIAL", "$1"},
		{engine.MySQL, "BIGINT AUTO_INCREMENT", "?"},
		{engine.SQLite, "INTEGER", "?"},
		{engine.DB2, "BIGINT GENERATED ALWAYS AS IDENTITY", "?"},
	}
	for _, c := range cases {
		out, err := te.Render(c.tag, tmpl)
		if err != nil {
			t.Fatalf("%s: Render: %v", c.tag, err)
		}
		if !strings.Contains(out, "CREATE TABLE jobs (id "+c.idType+")") {
			t.Fatalf("%s: id type not rendered: %q", c.tag, out)
		}
		if !strings.Contains(out, "WHERE id = "+c.bindOne) {
			t.Fatalf("%s: bind delimiter not rendered: %q", c.tag, out)
		}
	}
}

func TestPayloadBlockStrippedEncodedAndWrappedPerEngine(t *testing.T) {
	cases := []struct {
		tag  engine.Tag
		want string
	}{
		{engine.Postgres, "CONVERT_FROM(DECODE("},
		{engine.MySQL, "FROM_BASE64("},
		{engine.SQLite, "CRYPTO_DECODE("},
		{engine.DB2, "BASE64DECODE("},
	}
	te := NewTemplateEngine()
	tmpl := "INSERT INTO blob_store (data) VALUES ([=[\n    hello\n    world\n]=])"

	for _, c := range cases {
		out, err := te.Render(c.tag, tmpl)
		if err != nil {
			t.Fatalf("%s: Render: %v", c.tag, err)
		}
		if !strings.Contains(out, c.want) {
			t.Fatalf("%s: rendered SQL %q does not contain wrapper %q", c.tag, out, c.want)
		}
		if strings.Contains(out, "[=[") {
			t.Fatalf("%s: payload block delimiters leaked into rendered SQL: %q", c.tag, out)
		}
	}
}

func TestPayloadBlockCompressedAboveThreshold(t *testing.T) {
	te := NewTemplateEngine()
	big := strings.Repeat("x", compressionThreshold+1)
	tmpl := "INSERT INTO blob_store (data) VALUES ([=[" + big + "]=])"

	out, err := te.Render(engine.Postgres, tmpl)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "HYDROGEN_BROTLI_DECODE(") {
		t.Fatalf("expected a Brotli decode wrapper for a payload over the compression threshold, got %q", out)
	}
}

func TestPayloadBlockSmallIsNotCompressed(t *testing.T) {
	te := NewTemplateEngine()
	tmpl := "INSERT INTO blob_store (data) VALUES ([=[small]=])"

	out, err := te.Render(engine.Postgres, tmpl)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(out, "HYDROGEN_BROTLI_DECODE(") {
		t.Fatalf("did not expect compression wrapper for a small payload, got %q", out)
	}
}

func TestPayloadBlockStripsCommonIndentation(t *testing.T) {
	raw := "    line one\n    line two\n"
	stripped := stripCommonIndent(raw)
	if strings.Contains(stripped, "    line") {
		t.Fatalf("expected common indentation stripped, got %q", stripped)
	}
}

func TestExtractPayloadBlocksHandlesNestedDepth(t *testing.T) {
	sql := "A [=[one]=] B [==[two]==] C"
	rewritten, blocks := extractPayloadBlocks(sql)
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if blocks[0] != "one" || blocks[1] != "two" {
		t.Fatalf("blocks = %v, want [one two]", blocks)
	}
	if strings.Contains(rewritten, "[=[") || strings.Contains(rewritten, "[==[") {
		t.Fatalf("rewritten text still contains a delimiter: %q", rewritten)
	}
}

func TestReindentLeavesQuotedLiteralsUntouched(t *testing.T) {
	sql := "SELECT 'a\tb  '\nFROM t  "
	out := reindent(sql)
	if !strings.Contains(out, "'a\tb  '") {
		t.Fatalf("expected literal contents untouched, got %q", out)
	}
	if strings.HasSuffix(out, "  ") {
		t.Fatalf("expected trailing whitespace trimmed outside literals, got %q", out)
	}
}
