package repository

import (
	"strings"
	"testing"
)

func TestJSONTextExprByDialectSQLite(t *testing.T) {
	got := jsonTextExprByDialect("sqlite", "payload", "channel_order_id")
	want := "json_extract(payload, '$.\"channel_order_id\"')"
	if got != want {
		t.Fatalf("sqlite json expr mismatch, want %s got %s", want, got)
	}
}

func TestJSONTextExprByDialectPostgres(t *testing.T) {
	got := jsonTextExprByDialect("postgres", "payload", "channel_order_id")
	want := "(payload::jsonb ->> 'channel_order_id')"
	if got != want {
		t.Fatalf("postgres json expr mismatch, want %s got %s", want, got)
	}
}

func TestBuildKeywordCondition(t *testing.T) {
	cond, args := buildKeywordCondition(nil, " P001 ", "payment_no", "", "channel_transaction_id")
	if len(args) != 2 {
		t.Fatalf("arg count want 2 got %d", len(args))
	}
	if !strings.Contains(cond, "payment_no LIKE ?") || !strings.Contains(cond, "channel_transaction_id LIKE ?") {
		t.Fatalf("unexpected condition: %s", cond)
	}
	if args[0] != "%P001%" {
		t.Fatalf("keyword should be trimmed and wrapped, got %v", args[0])
	}
	if cond, args := buildKeywordCondition(nil, "  ", "payment_no"); cond != "" || args != nil {
		t.Fatalf("empty keyword should produce no condition")
	}
}

func TestLikeOperatorByDialect(t *testing.T) {
	if likeOperatorByDialect("postgres") != "ILIKE" {
		t.Fatalf("postgres should use ILIKE")
	}
	if likeOperatorByDialect("sqlite") != "LIKE" {
		t.Fatalf("sqlite should use LIKE")
	}
}
