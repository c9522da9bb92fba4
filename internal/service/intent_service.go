// Package service 包含了应用的业务逻辑层。
package service

import (
	"fmt"
	"strings"

	"fmc-chatbot-go/internal/config"
	"fmc-chatbot-go/pkg/log"
	"fmc-chatbot-go/pkg/textnorm"
)

// Intent 是一个静态定义的问题类别。Respond 以提取到的上下文（可能为空）生成回复。
type Intent struct {
	Name        string
	Keywords    []string
	Variations  []string
	Priority    float64
	Departments []string
	Respond     func(context string) string
}

// IntentMatch 是意图匹配的结果。
type IntentMatch struct {
	Intent   string  `json:"intent"`
	Context  string  `json:"context,omitempty"`
	Score    float64 `json:"score"`
	Response string  `json:"response"`
}

// IntentService 定义了意图匹配的接口。
type IntentService interface {
	// Resolve 返回得分最高且不低于阈值的意图；没有匹配时返回 nil。
	Resolve(message string) *IntentMatch
}

type compiledIntent struct {
	Intent
	keywords    []string
	variations  []string
	departments []string
}

type intentService struct {
	intents []compiledIntent
	weights config.MatchingConfig
}

// NewIntentService 创建一个新的 IntentService。intents 的顺序决定同分时的先后。
// 缺少关键词的意图会被跳过。
func NewIntentService(intents []Intent, weights config.MatchingConfig) IntentService {
	compiled := make([]compiledIntent, 0, len(intents))
	for _, in := range intents {
		if len(in.Keywords) == 0 || in.Respond == nil {
			log.Warnf("[IntentService] 跳过不完整的意图: %q", in.Name)
			continue
		}
		if in.Priority <= 0 {
			in.Priority = 1
		}
		compiled = append(compiled, compiledIntent{
			Intent:      in,
			keywords:    normalizeAll(in.Keywords),
			variations:  normalizeAll(in.Variations),
			departments: normalizeAll(in.Departments),
		})
	}
	return &intentService{intents: compiled, weights: weights}
}

func normalizeAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if n := textnorm.Normalize(it); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func (s *intentService) Resolve(message string) *IntentMatch {
	normalized := textnorm.Normalize(message)
	if normalized == "" {
		return nil
	}

	var best *compiledIntent
	bestScore := 0.0
	for i := range s.intents {
		in := &s.intents[i]
		score := s.score(normalized, in)
		if score > bestScore {
			bestScore = score
			best = in
		}
	}

	if best == nil || bestScore < s.weights.IntentThreshold {
		return nil
	}

	ctxToken := extractContext(normalized, best)
	log.Debugf("[IntentService] intent=%s score=%.2f context=%q", best.Name, bestScore, ctxToken)
	return &IntentMatch{
		Intent:   best.Name,
		Context:  ctxToken,
		Score:    bestScore,
		Response: best.Respond(ctxToken),
	}
}

func (s *intentService) score(normalized string, in *compiledIntent) float64 {
	w := s.weights
	score := 0.0
	for _, k := range in.keywords {
		if normalized == k {
			score += w.ExactMatchWeight
			break
		}
	}
	for _, k := range in.keywords {
		if strings.Contains(normalized, k) {
			score += w.KeywordWeight
		}
	}
	for _, v := range in.variations {
		if strings.Contains(normalized, v) {
			score += w.VariationWeight
		}
	}
	for _, d := range in.departments {
		if strings.Contains(normalized, d) {
			score += w.DepartmentWeight
		}
	}
	return score * in.Priority
}

// extractContext 按声明顺序返回第一个出现在消息中的科室词。
func extractContext(normalized string, in *compiledIntent) string {
	for i, d := range in.departments {
		if strings.Contains(normalized, d) {
			return in.Departments[i]
		}
	}
	return ""
}

// ClinicIntents 返回诊所的意图表，回复内容全部取自 clinic 配置。
func ClinicIntents(clinic config.ClinicConfig) []Intent {
	r := clinicResponder{clinic: clinic}
	return []Intent{
		{
			Name:       "giờ_làm_việc",
			Keywords:   []string{"giờ", "thời gian", "làm việc", "mở cửa", "đóng cửa", "lịch"},
			Variations: []string{"khi nào", "mấy giờ", "khám được", "còn làm không"},
			Priority:   1,
			Respond:    func(string) string { return r.workingHours() },
		},
		{
			Name:       "địa_điểm",
			Keywords:   []string{"địa chỉ", "ở đâu", "chỗ nào", "tới", "đường", "quận"},
			Variations: []string{"chỉ đường", "tìm đường", "đi như thế nào", "bản đồ", "địa điểm"},
			Priority:   1,
			Respond:    func(string) string { return r.address() },
		},
		{
			Name:       "đặt_lịch",
			Keywords:   []string{"đặt lịch", "đặt hẹn", "booking", "lịch khám", "hẹn khám", "đăng ký khám"},
			Variations: []string{"muốn khám", "đăng ký", "book lịch", "lấy lịch", "xin lịch"},
			Priority:   1,
			Respond:    func(string) string { return r.booking() },
		},
		{
			Name:        "bác_sĩ",
			Keywords:    []string{"BS", "bác sĩ", "doctor", "bác sỹ", "bacsi"},
			Variations:  []string{"ai khám", "người khám", "bs nào", "bác sĩ nào", "bs giỏi"},
			Priority:    2,
			Departments: []string{"sản", "phụ khoa", "tai mũi họng", "nội"},
			Respond:     r.doctors,
		},
		{
			Name:       "chuyên_khoa",
			Keywords:   []string{"chuyên khoa", "khoa", "bệnh", "điều trị", "chuyên môn"},
			Variations: []string{"chữa được", "có khám", "trị được", "chuyên gì"},
			Priority:   2,
			Respond:    r.departments,
		},
		{
			Name:       "dịch_vụ",
			Keywords:   []string{"dịch vụ", "khám gì", "điều trị gì", "làm được gì"},
			Variations: []string{"có những gì", "khám những gì", "dịch vụ gì", "khám bệnh gì"},
			Priority:   2,
			Respond:    r.services,
		},
		{
			Name:       "điện_thoại",
			Keywords:   []string{"điện thoại", "số điện thoại"},
			Variations: []string{"phone", "số phone", "liên hệ", "liên lạc"},
			Priority:   2,
			Respond:    func(string) string { return r.phone() },
		},
		{
			Name:     "tang_huyet_ap",
			Keywords: []string{"tăng huyết áp", "huyết áp cao", "cao huyết áp", "bệnh huyết áp", "đo huyết áp", "huyết áp"},
			Variations: []string{
				"đau đầu chóng mặt", "nhức đầu hoa mắt", "tim đập nhanh", "mỏi gáy", "áp cao", "máu cao",
				"điều trị huyết áp", "khám huyết áp", "đi khám huyết áp", "đo huyết áp", "theo dõi huyết áp",
			},
			Priority: 1,
			// huyết áp thuộc khoa Nội (tim mạch)
			Respond: func(string) string { return r.doctors("nội") },
		},
	}
}

type clinicResponder struct {
	clinic config.ClinicConfig
}

func (r clinicResponder) workingHours() string {
	return fmt.Sprintf("Giờ làm việc của phòng khám:\n%s\n%s", r.clinic.WorkingHours.Weekday, r.clinic.WorkingHours.Sunday)
}

func (r clinicResponder) address() string {
	return fmt.Sprintf("Địa chỉ phòng khám: %s\nSố điện thoại liên hệ: %s", r.clinic.Address, r.clinic.Phone)
}

func (r clinicResponder) phone() string {
	return fmt.Sprintf("Số điện thoại phòng khám: %s", r.clinic.Phone)
}

func (r clinicResponder) booking() string {
	return fmt.Sprintf(`Để đặt lịch khám, bạn có thể:
1. Gọi điện thoại: %s
2. Đến trực tiếp phòng khám: %s
3. Đặt lịch qua website hoặc ứng dụng

Giờ làm việc:
%s
%s

Vui lòng chuẩn bị:
- Giấy tờ tùy thân
- Sổ khám bệnh (nếu có)
- Các xét nghiệm, kết quả khám trước đây (nếu có)`,
		r.clinic.Phone, r.clinic.Address, r.clinic.WorkingHours.Weekday, r.clinic.WorkingHours.Sunday)
}

// findDepartment 在规范化后的科室名称中查找 token，返回第一个包含它的科室。
func (r clinicResponder) findDepartment(token string) *config.DepartmentConfig {
	needle := textnorm.Normalize(token)
	if needle == "" {
		return nil
	}
	for i := range r.clinic.Departments {
		if strings.Contains(textnorm.Normalize(r.clinic.Departments[i].Name), needle) {
			return &r.clinic.Departments[i]
		}
	}
	return nil
}

func (r clinicResponder) doctors(dept string) string {
	var b strings.Builder
	b.WriteString("Danh sách bác sĩ")
	if d := r.findDepartment(dept); d != nil {
		fmt.Fprintf(&b, " %s:\n\n", d.Name)
		for _, doc := range d.Doctors {
			fmt.Fprintf(&b, "- %s (%s)\n", doc.Name, doc.Degree)
			if doc.Position != "" {
				fmt.Fprintf(&b, "  %s\n", doc.Position)
			}
			if doc.Hospital != "" {
				fmt.Fprintf(&b, "  %s\n", doc.Hospital)
			}
		}
		return b.String()
	}
	b.WriteString(" theo chuyên khoa:\n\n")
	for _, d := range r.clinic.Departments {
		fmt.Fprintf(&b, "%s:\n", d.Name)
		for _, doc := range d.Doctors {
			fmt.Fprintf(&b, "- %s (%s)\n", doc.Name, doc.Degree)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (r clinicResponder) departments(specialty string) string {
	if d := r.findDepartment(specialty); d != nil {
		return fmt.Sprintf("%s:\n%s", d.Name, d.Description)
	}
	var b strings.Builder
	b.WriteString("Các chuyên khoa tại phòng khám:\n\n")
	for _, d := range r.clinic.Departments {
		fmt.Fprintf(&b, "%s:\n%s\n\n", d.Name, d.Description)
	}
	return b.String()
}

func (r clinicResponder) services(dept string) string {
	var b strings.Builder
	if d := r.findDepartment(dept); d != nil {
		fmt.Fprintf(&b, "Dịch vụ %s:\n\n", d.Name)
		for _, s := range d.Services {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		return b.String()
	}
	b.WriteString("Các dịch vụ tại phòng khám:\n\n")
	for _, d := range r.clinic.Departments {
		fmt.Fprintf(&b, "%s:\n", d.Name)
		for _, s := range d.Services {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}
	return b.String()
}
