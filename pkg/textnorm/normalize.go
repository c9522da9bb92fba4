// Package textnorm 提供所有匹配阶段共用的文本规范化函数。
package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	htmlTagPattern   = regexp.MustCompile(`<[^>]*>`)
	jsSchemePattern  = regexp.MustCompile(`(?i)javascript:`)
	blankRunPattern  = regexp.MustCompile(`\n{3,}`)
	trailingSpacePat = regexp.MustCompile(`(?m)[ \t]+$`)
)

// 'đ' 不是组合字符，NFD 分解后仍然存在，需要单独映射。
var letterFold = strings.NewReplacer("đ", "d", "Đ", "d")

// Normalize 转小写、去除变音符号、把非单词字符替换为空格并压缩空白。
// 写入模式库和查询模式库必须使用同一个函数，否则键无法比较。
func Normalize(text string) string {
	lowered := strings.ToLower(text)
	stripped, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
		lowered,
	)
	if err != nil {
		stripped = lowered
	}
	stripped = letterFold.Replace(stripped)
	return collapse(stripped)
}

// Fold 转小写并统一为 NFC，保留变音符号，其余处理与 Normalize 相同。
// "giá" 和 "gia" 在越南语中是不同的词，话题分类需要区分它们。
func Fold(text string) string {
	return collapse(norm.NFC.String(strings.ToLower(text)))
}

// collapse 把非单词字符替换为空格并压缩空白。
func collapse(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	pendingSpace := false
	for _, r := range text {
		if isWordRune(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Tokens 返回规范化文本中以空白分隔的词。
func Tokens(normalized string) []string {
	return strings.Fields(normalized)
}

// Similarity 计算两个规范化字符串的词重叠度：共同词数 / 两者中较大的词数。
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	wa, wb := Tokens(a), Tokens(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(wb))
	for _, w := range wb {
		set[w] = struct{}{}
	}
	common := 0
	for _, w := range wa {
		if _, ok := set[w]; ok {
			common++
		}
	}
	longest := len(wa)
	if len(wb) > longest {
		longest = len(wb)
	}
	return float64(common) / float64(longest)
}

// Sanitize 清理来自用户的输入：去掉 HTML 标签、尖括号和 javascript: 前缀，并截断到 500 个字符。
func Sanitize(input string) string {
	cleaned := strings.TrimSpace(input)
	cleaned = htmlTagPattern.ReplaceAllString(cleaned, "")
	cleaned = strings.NewReplacer("<", "", ">", "").Replace(cleaned)
	cleaned = jsSchemePattern.ReplaceAllString(cleaned, "")
	if r := []rune(cleaned); len(r) > 500 {
		cleaned = string(r[:500])
	}
	return cleaned
}

// FormatResponse 对保存的回复做基础整理，不添加任何前缀。
func FormatResponse(response string) string {
	formatted := strings.TrimSpace(response)
	formatted = blankRunPattern.ReplaceAllString(formatted, "\n\n")
	return trailingSpacePat.ReplaceAllString(formatted, "")
}
