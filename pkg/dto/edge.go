package dto

type EdgeResponse struct {
	Delta  int     `json:"delta"`
	Weight float64 `json:"weight"`
	Src    int     `json:"src"`
	Dst    int     `json:"dst"`
}

type EdgeListResponse struct {
	Edges  []EdgeResponse `json:"edges"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type EdgeQuery struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}
