package derive

// Region is a display location with a representative point.
type Region struct {
	City string
	Name string
	Lat  float64
	Lon  float64
}

// TaiwanRegions lists one point per county or city, at the seat.
var TaiwanRegions = []Region{
	{City: "基隆市", Name: "仁愛區", Lat: 25.128, Lon: 121.741},
	{City: "臺北市", Name: "中正區", Lat: 25.032, Lon: 121.519},
	{City: "新北市", Name: "板橋區", Lat: 25.011, Lon: 121.459},
	{City: "桃園市", Name: "桃園區", Lat: 24.993, Lon: 121.301},
	{City: "新竹市", Name: "東區", Lat: 24.802, Lon: 120.971},
	{City: "新竹縣", Name: "竹北市", Lat: 24.839, Lon: 121.004},
	{City: "苗栗縣", Name: "苗栗市", Lat: 24.560, Lon: 120.821},
	{City: "臺中市", Name: "西屯區", Lat: 24.164, Lon: 120.638},
	{City: "彰化縣", Name: "彰化市", Lat: 24.081, Lon: 120.538},
	{City: "南投縣", Name: "南投市", Lat: 23.910, Lon: 120.684},
	{City: "雲林縣", Name: "斗六市", Lat: 23.711, Lon: 120.541},
	{City: "嘉義市", Name: "東區", Lat: 23.480, Lon: 120.449},
	{City: "嘉義縣", Name: "太保市", Lat: 23.459, Lon: 120.332},
	{City: "臺南市", Name: "安平區", Lat: 22.999, Lon: 120.166},
	{City: "高雄市", Name: "苓雅區", Lat: 22.622, Lon: 120.312},
	{City: "屏東縣", Name: "屏東市", Lat: 22.669, Lon: 120.488},
	{City: "宜蘭縣", Name: "宜蘭市", Lat: 24.757, Lon: 121.753},
	{City: "花蓮縣", Name: "花蓮市", Lat: 23.991, Lon: 121.611},
	{City: "臺東縣", Name: "臺東市", Lat: 22.756, Lon: 121.144},
	{City: "澎湖縣", Name: "馬公市", Lat: 23.566, Lon: 119.579},
	{City: "金門縣", Name: "金城鎮", Lat: 24.434, Lon: 118.318},
	{City: "連江縣", Name: "南竿鄉", Lat: 26.160, Lon: 119.951},
}
