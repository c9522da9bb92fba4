package config

// ClinicConfig 存储诊所的业务事实，意图回复和提示词都从这里取数据。
type ClinicConfig struct {
	Name         string             `mapstructure:"name"`
	Address      string             `mapstructure:"address"`
	Phone        string             `mapstructure:"phone"`
	WorkingHours WorkingHoursConfig `mapstructure:"working_hours"`
	Departments  []DepartmentConfig `mapstructure:"departments"`
	Messages     MessagesConfig     `mapstructure:"messages"`
}

type WorkingHoursConfig struct {
	Weekday string `mapstructure:"weekday"`
	Sunday  string `mapstructure:"sunday"`
}

// DepartmentConfig 描述一个专科。
type DepartmentConfig struct {
	Name        string         `mapstructure:"name"`
	Description string         `mapstructure:"description"`
	Specialties []string       `mapstructure:"specialties"`
	Doctors     []DoctorConfig `mapstructure:"doctors"`
	Services    []string       `mapstructure:"services"`
}

type DoctorConfig struct {
	Name     string `mapstructure:"name"`
	Degree   string `mapstructure:"degree"`
	Position string `mapstructure:"position"`
	Hospital string `mapstructure:"hospital"`
}

// MessagesConfig 存储面向用户的固定文案。
type MessagesConfig struct {
	General       string `mapstructure:"general"`
	NotUnderstood string `mapstructure:"not_understood"`
	AIUnavailable string `mapstructure:"ai_unavailable"`
	FeedbackError string `mapstructure:"feedback_error"`
}

// DefaultClinic 返回 FMC 诊所的默认资料。
func DefaultClinic() ClinicConfig {
	return ClinicConfig{
		Name:    "FMC - Friend Medical Clinic",
		Address: "A12 Saigon Villas Hill, 99 Lê Văn Việt, Thành phố Thủ Đức, TP.HCM 700000",
		Phone:   "028 3535 5353",
		WorkingHours: WorkingHoursConfig{
			Weekday: "Thứ 2 - Thứ 7: 8:00 - 20:00",
			Sunday:  "Chủ nhật: 8:00 - 12:00",
		},
		Departments: []DepartmentConfig{
			{
				Name:        "Chuyên Khoa Sản Phụ Khoa",
				Description: "Đội ngũ bác sĩ giàu kinh nghiệm đến từ Bệnh viện Từ Dũ, chuyên điều trị các bệnh lý phụ khoa như u xơ tử cung, u nang buồng trứng, tầm soát ung thư cổ tử cung và chăm sóc thai sản toàn diện.",
				Doctors: []DoctorConfig{
					{Name: "BS. Nguyễn Hoàng Lam", Degree: "Chuyên khoa 2", Position: "Phó Khoa"},
					{Name: "BS. Đào Hoàng Hoa Hà Hải Âu", Degree: "Chuyên khoa I"},
					{Name: "BS. Nguyễn Thị Việt Linh", Degree: "Chuyên khoa I"},
				},
				Services: []string{
					"Khám thai định kỳ",
					"Sàng lọc trước sinh",
					"Điều trị u xơ tử cung",
					"Điều trị u nang buồng trứng",
					"Tầm soát ung thư cổ tử cung",
				},
			},
			{
				Name:        "Chuyên Khoa Tai Mũi Họng",
				Description: "Đội ngũ chuyên gia đến từ Vinmec, điều trị viêm xoang mãn tính, viêm amidan, viêm mũi dị ứng và tầm soát ung thư vòm họng với hệ thống nội soi hiện đại.",
				Doctors: []DoctorConfig{
					{Name: "BS. Đặng Thị Thùy Trang", Degree: "Chuyên khoa 2", Position: "Trưởng khoa", Hospital: "Bệnh viện Vinmec"},
					{Name: "BS. Dương Minh Trọng", Degree: "Chuyên khoa 1"},
					{Name: "BS. Sử Ngọc Kiều Chinh", Degree: "Chuyên khoa 1"},
				},
				Services: []string{
					"Điều trị viêm xoang mãn tính",
					"Điều trị viêm amidan",
					"Điều trị viêm mũi dị ứng",
					"Tầm soát ung thư vòm họng",
					"Nội soi tai mũi họng",
				},
			},
			{
				Name:        "Chuyên Khoa Nội",
				Description: "Các chuyên gia đến từ Bệnh viện FV: nội tổng quát, tim mạch, tim mạch can thiệp và nội tiết chuyển hóa (đái tháo đường, rối loạn tuyến giáp).",
				Specialties: []string{"Nội tổng quát", "Tim mạch", "Tim mạch can thiệp", "Nội tiết chuyển hóa"},
				Doctors: []DoctorConfig{
					{Name: "BS. Đỗ Thành Long", Degree: "Chuyên khoa 1"},
					{Name: "BS. Nguyễn Anh Hoàng", Degree: "Chuyên khoa 1"},
				},
				Services: []string{
					"Khám nội tổng quát",
					"Chẩn đoán và điều trị bệnh tim mạch",
					"Tư vấn tim mạch can thiệp",
					"Điều trị đái tháo đường",
					"Điều trị rối loạn tuyến giáp",
				},
			},
		},
		Messages: MessagesConfig{
			General:       "Xin lỗi, có lỗi xảy ra. Vui lòng thử lại sau.",
			NotUnderstood: "Xin lỗi, tôi không hiểu câu hỏi của bạn. Bạn có thể hỏi về giờ làm việc, địa chỉ, các chuyên khoa, hoặc dịch vụ của phòng khám.",
			AIUnavailable: "Xin lỗi, tôi không thể xử lý câu hỏi của bạn lúc này.",
			FeedbackError: "Xin lỗi, có lỗi xảy ra khi xử lý phản hồi của bạn.",
		},
	}
}
