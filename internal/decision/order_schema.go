package decision

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

const finalOrderSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action"],
  "properties": {
    "action":      {"type": "string", "enum": ["buy", "sell", "hold", "abstain"]},
    "quantity":    {"type": "integer", "minimum": 0},
    "limit_price": {"type": "number", "minimum": 0},
    "stop_loss":   {"type": "number", "minimum": 0},
    "commentary":  {"type": "string"}
  }
}`

var finalOrderSchema = jsonschema.MustCompileString("final_order.json", finalOrderSchemaJSON)

// validateFinalOrder 先用 gjson 做廉价的结构预检，再走 schema 校验。
func validateFinalOrder(block string) error {
	if !gjson.Valid(block) {
		return fmt.Errorf("非法 JSON")
	}
	parsed := gjson.Parse(block)
	if !parsed.IsObject() {
		return fmt.Errorf("终令必须是 JSON 对象")
	}
	if !parsed.Get("action").Exists() {
		return fmt.Errorf("缺少 action 字段")
	}
	var doc interface{}
	if err := jsonUnmarshalLoose(block, &doc); err != nil {
		return err
	}
	if err := finalOrderSchema.Validate(doc); err != nil {
		return fmt.Errorf("schema 校验失败: %s", firstSchemaCause(err))
	}
	return nil
}

func jsonUnmarshalLoose(block string, v *interface{}) error {
	dec := gjson.Parse(block)
	*v = dec.Value()
	if *v == nil && strings.TrimSpace(block) != "null" {
		return fmt.Errorf("无法解析 JSON 文档")
	}
	return nil
}

func firstSchemaCause(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve.Message
}
