package cel

var FilterExpressionExamples = map[string]string{
	"non_empty_second_column": `size(values) > 1 && values[1] != ""`,
	"skip_totals_row":         `key != "TOTAL"`,
	"key_prefix":              `key.startsWith("SYS-")`,
	"first_hundred_rows":      `index < 100`,
	"marked_rows":             `values.exists(v, v == "x")`,
	"per_source":              `source == "kos" ? !key.matches("^#") : true`,
}
